package config_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/vigil/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(config.Default(), config.Default())
	if !d.Empty() {
		t.Errorf("Diff of identical configs = %+v, want empty", d)
	}
}

func TestDiff_HotReloadable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   config.ConfigDiff
	}{
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			want:   config.ConfigDiff{LogLevelChanged: true, NewLogLevel: config.LogDebug},
		},
		{
			name:   "wake threshold",
			mutate: func(c *config.Config) { c.Wake.Threshold = 0.6 },
			want:   config.ConfigDiff{WakeThresholdChanged: true},
		},
		{
			name: "wake variant added",
			mutate: func(c *config.Config) {
				c.Wake.Phrases[0].Variants = append(c.Wake.Phrases[0].Variants, "yarbis")
			},
			want: config.ConfigDiff{WakePhrasesChanged: true},
		},
		{
			name:   "silence timeout",
			mutate: func(c *config.Config) { c.VAD.SilenceTimeout = time.Second },
			want:   config.ConfigDiff{SilenceTimeoutChanged: true},
		},
		{
			name:   "activation frames",
			mutate: func(c *config.Config) { c.VAD.ActivationFrames = 5 },
			want:   config.ConfigDiff{ActivationFramesChanged: true},
		},
		{
			name: "dialog timing",
			mutate: func(c *config.Config) {
				c.Dialog.ListenTimeout = 5 * time.Second
				c.Dialog.FollowUp = 3 * time.Second
			},
			want: config.ConfigDiff{ListenTimeoutChanged: true, FollowUpChanged: true},
		},
		{
			name:   "phrases",
			mutate: func(c *config.Config) { c.Dialog.Phrases.Timeout = []string{"Tarda demasiado."} },
			want:   config.ConfigDiff{PhrasesChanged: true},
		},
		{
			name:   "cancel patterns",
			mutate: func(c *config.Config) { c.Dialog.CancelPatterns = []string{"^nada$"} },
			want:   config.ConfigDiff{CancelPatternsChanged: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			next := config.Default()
			tt.mutate(next)
			got := config.Diff(config.Default(), next)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Diff mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	next := config.Default()
	next.Audio.SampleRate = 48000
	next.Providers.TTS = config.ProviderEntry{Name: "elevenlabs", APIKey: "k"}
	next.Backend.Timeout = 30 * time.Second
	next.Dialog.SystemPrompt = "Eres un mayordomo."
	next.Wake.Cooldown = time.Second
	next.Filter.Normalize = false

	d := config.Diff(config.Default(), next)
	want := []string{"audio", "filter", "wake.timing", "providers", "backend", "dialog"}
	if diff := cmp.Diff(want, d.RestartRequired); diff != "" {
		t.Errorf("RestartRequired mismatch (-want +got):\n%s", diff)
	}
	if d.Empty() {
		t.Error("Empty() = true with restart-only changes")
	}
}
