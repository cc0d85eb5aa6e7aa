package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teslashibe/go-voicestream/pkg/audioio"
)

// field sets one setting from its string form. The same names are used as
// environment suffixes and Redis hash fields.
type field struct {
	name string
	set  func(s *Settings, v string) error
}

var fields = []field{
	{"model", func(s *Settings, v string) error { s.Session.Model = v; return nil }},
	{"voice", func(s *Settings, v string) error { s.Session.Voice = v; return nil }},
	{"instructions", func(s *Settings, v string) error { s.Session.Instructions = v; return nil }},
	{"base_url", func(s *Settings, v string) error { s.Session.BaseURL = v; return nil }},
	{"api_key", func(s *Settings, v string) error { s.Session.APIKey = v; return nil }},
	{"temperature", func(s *Settings, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		s.Session.Temperature = &f
		return nil
	}},
	{"vad", func(s *Settings, v string) error { s.Session.TurnDetection.Type = v; return nil }},
	{"vad_threshold", floatField(func(s *Settings) *float64 { return &s.Session.TurnDetection.Threshold })},
	{"vad_prefix_padding_ms", intField(func(s *Settings) *int { return &s.Session.TurnDetection.PrefixPaddingMs })},
	{"vad_silence_ms", intField(func(s *Settings) *int { return &s.Session.TurnDetection.SilenceDurationMs })},
	{"create_response", boolField(func(s *Settings) *bool { return &s.Session.TurnDetection.CreateResponse })},
	{"transcription_model", func(s *Settings, v string) error { s.Session.Transcription.Model = v; return nil }},
	{"language", func(s *Settings, v string) error { s.Session.Transcription.Language = v; return nil }},
	{"mute_during_playback", boolField(func(s *Settings) *bool { return &s.Session.MuteDuringPlayback })},

	{"audio_backend", func(s *Settings, v string) error { s.Audio.Backend = audioio.Backend(v); return nil }},
	{"input_device", func(s *Settings, v string) error { s.Audio.InputDevice = v; return nil }},
	{"output_device", func(s *Settings, v string) error { s.Audio.OutputDevice = v; return nil }},
	{"input_sample_rate", intField(func(s *Settings) *int { return &s.Audio.InputSampleRate })},
	{"output_sample_rate", intField(func(s *Settings) *int { return &s.Audio.OutputSampleRate })},
	{"queue_depth", intField(func(s *Settings) *int { return &s.Audio.QueueDepth })},

	{"auto_response", boolField(func(s *Settings) *bool { return &s.Engine.AutoResponse })},
	{"connect_timeout", durationField(func(s *Settings) *time.Duration { return &s.Engine.ConnectTimeout })},
	{"drain_timeout", durationField(func(s *Settings) *time.Duration { return &s.Engine.DrainTimeout })},
	{"keepalive_interval", durationField(func(s *Settings) *time.Duration { return &s.Engine.KeepaliveInterval })},
	{"min_chunk", durationField(func(s *Settings) *time.Duration { return &s.Engine.MinChunk })},

	{"monitor", func(s *Settings, v string) error { s.Monitor = v; return nil }},
	{"log_level", func(s *Settings, v string) error { s.LogLevel = v; return nil }},
	{"log_format", func(s *Settings, v string) error { s.LogFormat = v; return nil }},
}

func intField(ptr func(*Settings) *int) func(*Settings, string) error {
	return func(s *Settings, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*ptr(s) = n
		return nil
	}
}

func floatField(ptr func(*Settings) *float64) func(*Settings, string) error {
	return func(s *Settings, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*ptr(s) = f
		return nil
	}
}

func boolField(ptr func(*Settings) *bool) func(*Settings, string) error {
	return func(s *Settings, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*ptr(s) = b
		return nil
	}
}

func durationField(ptr func(*Settings) *time.Duration) func(*Settings, string) error {
	return func(s *Settings, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*ptr(s) = d
		return nil
	}
}

// applyEnv applies VOICESTREAM_* variables.
func applyEnv(s *Settings, lookup func(string) (string, bool)) error {
	for _, f := range fields {
		v, ok := lookup(EnvName(f.name))
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := f.set(s, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("config: %s: %w", EnvName(f.name), err)
		}
	}
	return nil
}

// applyMap applies hash fields. Unknown fields are ignored so the host
// application can keep its own keys in the same hash.
func applyMap(s *Settings, m map[string]string) error {
	for _, f := range fields {
		v, ok := m[f.name]
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := f.set(s, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
	}
	return nil
}
