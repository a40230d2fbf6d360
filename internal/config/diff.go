package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied without a restart are tracked; session and
// VAD changes take effect with the next session.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SessionChanged bool
	SessionFields  []string // yaml keys under session: that differ

	VADChanged      bool
	PlaybackChanged bool

	// RestartRequired lists top-level sections whose changes are ignored
	// until the server restarts.
	RestartRequired []string
}

// Empty reports whether d carries no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SessionChanged && !d.VADChanged && !d.PlaybackChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.SessionFields = diffSession(old.Session, new.Session)
	d.SessionChanged = len(d.SessionFields) > 0
	d.VADChanged = old.VAD != new.VAD
	d.PlaybackChanged = old.Playback != new.Playback

	if old.Server.ListenAddr != new.Server.ListenAddr || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) ||
		!slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Gateway != new.Gateway {
		d.RestartRequired = append(d.RestartRequired, "gateway")
	}
	if old.Journal != new.Journal {
		d.RestartRequired = append(d.RestartRequired, "journal")
	}
	return d
}

func diffSession(old, new SessionConfig) []string {
	var fields []string
	add := func(changed bool, key string) {
		if changed {
			fields = append(fields, key)
		}
	}
	add(old.FrameDurationMs != new.FrameDurationMs, "frame_duration_ms")
	add(old.SourceLanguage != new.SourceLanguage, "source_language")
	add(!sameBool(old.AutoDetect, new.AutoDetect), "auto_detect")
	add(old.TargetLanguage != new.TargetLanguage, "target_language")
	add(old.PreferredVoice != new.PreferredVoice, "preferred_voice")
	add(old.Segmentation != new.Segmentation, "segmentation")
	add(!sameBool(old.UseHeadsetMic, new.UseHeadsetMic), "use_headset_mic")
	add(old.SwitchTimeout != new.SwitchTimeout, "switch_timeout")
	add(!sameBool(old.Conditioning.EchoCancellation, new.Conditioning.EchoCancellation) ||
		!sameBool(old.Conditioning.NoiseSuppression, new.Conditioning.NoiseSuppression) ||
		!sameBool(old.Conditioning.AutoGain, new.Conditioning.AutoGain), "conditioning")
	return fields
}

func sameBool(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
