package dialog

import "math/rand/v2"

// Phrases is the assistant's bank of short spoken lines. Each list is picked
// from at random; an empty list falls back to the default.
type Phrases struct {
	// WakeAcks are spoken right after the wake phrase when wake
	// acknowledgments are enabled.
	WakeAcks []string

	// Acknowledgments answer a wake phrase followed by silence.
	Acknowledgments []string

	// Timeout is spoken when the backend did not answer in time.
	Timeout []string

	// Error is spoken when the backend failed.
	Error []string
}

// DefaultPhrases returns the built-in phrase bank.
func DefaultPhrases() Phrases {
	return Phrases{
		WakeAcks: []string{
			"A sus órdenes.",
			"Dígame.",
			"Le escucho.",
			"¿En qué puedo ayudarle?",
		},
		Acknowledgments: []string{
			"A su servicio.",
			"Aquí estoy.",
			"Le escucho, señor.",
		},
		Timeout: []string{
			"Me temo que la respuesta está tardando demasiado. Inténtelo de nuevo.",
		},
		Error: []string{
			"Lamentablemente, no he podido procesar su solicitud.",
			"Me temo que no puedo responder en este momento.",
		},
	}
}

func pick(list, fallback []string) string {
	if len(list) == 0 {
		list = fallback
	}
	if len(list) == 0 {
		return ""
	}
	return list[rand.IntN(len(list))]
}

func (p Phrases) wakeAck() string {
	return pick(p.WakeAcks, DefaultPhrases().WakeAcks)
}

func (p Phrases) acknowledgment() string {
	return pick(p.Acknowledgments, DefaultPhrases().Acknowledgments)
}

func (p Phrases) timeout() string {
	return pick(p.Timeout, DefaultPhrases().Timeout)
}

func (p Phrases) failure() string {
	return pick(p.Error, DefaultPhrases().Error)
}
