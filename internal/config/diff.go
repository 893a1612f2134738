package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. The boolean fields
// cover settings that can be applied to a running pipeline; everything else
// is reported in RestartRequired by section name.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	WakeThresholdChanged bool
	WakePhrasesChanged   bool

	SilenceTimeoutChanged   bool
	ActivationFramesChanged bool

	ListenTimeoutChanged  bool
	FollowUpChanged       bool
	PhrasesChanged        bool
	CancelPatternsChanged bool

	// RestartRequired lists the sections whose changes only take effect
	// after a restart, e.g. "audio" or "providers".
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged &&
		!d.WakeThresholdChanged && !d.WakePhrasesChanged &&
		!d.SilenceTimeoutChanged && !d.ActivationFramesChanged &&
		!d.ListenTimeoutChanged && !d.FollowUpChanged &&
		!d.PhrasesChanged && !d.CancelPatternsChanged &&
		len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.WakeThresholdChanged = old.Wake.Threshold != new.Wake.Threshold
	d.WakePhrasesChanged = !slices.EqualFunc(old.Wake.Phrases, new.Wake.Phrases, func(a, b WakePhrase) bool {
		return a.Canonical == b.Canonical && slices.Equal(a.Variants, b.Variants)
	})
	d.SilenceTimeoutChanged = old.VAD.SilenceTimeout != new.VAD.SilenceTimeout
	d.ActivationFramesChanged = old.VAD.ActivationFrames != new.VAD.ActivationFrames
	d.ListenTimeoutChanged = old.Dialog.ListenTimeout != new.Dialog.ListenTimeout
	d.FollowUpChanged = old.Dialog.FollowUp != new.Dialog.FollowUp
	d.PhrasesChanged = !reflect.DeepEqual(old.Dialog.Phrases, new.Dialog.Phrases)
	d.CancelPatternsChanged = !slices.Equal(old.Dialog.CancelPatterns, new.Dialog.CancelPatterns)

	// Everything below is wired into components at construction.
	restart := func(section string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, section)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("audio", !reflect.DeepEqual(old.Audio, new.Audio))
	restart("beam", old.Beam != new.Beam)
	restart("filter", old.Filter != new.Filter)
	restart("vad.threshold", old.VAD.Threshold != new.VAD.Threshold)
	restart("wake.timing", old.Wake.PreRoll != new.Wake.PreRoll ||
		old.Wake.MaxWindow != new.Wake.MaxWindow ||
		old.Wake.Cooldown != new.Wake.Cooldown ||
		old.Wake.LeadIn != new.Wake.LeadIn)
	restart("transcribe", old.Transcribe != new.Transcribe)
	restart("speech", old.Speech != new.Speech)
	restart("providers", !reflect.DeepEqual(old.Providers, new.Providers))
	restart("backend", !reflect.DeepEqual(old.Backend, new.Backend))
	restart("dialog", old.Dialog.SystemPrompt != new.Dialog.SystemPrompt ||
		old.Dialog.HistoryTurns != new.Dialog.HistoryTurns ||
		old.Dialog.QueueSize != new.Dialog.QueueSize ||
		old.Dialog.WakeAck != new.Dialog.WakeAck)
	restart("resilience", old.Resilience != new.Resilience)

	return d
}
