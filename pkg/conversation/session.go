package conversation

import (
	"fmt"
	"os"
	"slices"
	"strings"
)

// Provider names a realtime API dialect.
type Provider string

// Supported providers.
const (
	ProviderOpenAI Provider = "openai"
	ProviderXAI    Provider = "xai"
)

// ParseProvider parses a provider name, case-insensitively.
func ParseProvider(s string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "openai":
		return ProviderOpenAI, nil
	case "xai", "grok":
		return ProviderXAI, nil
	}
	return "", fmt.Errorf("%w: %q", ErrProviderNotSupported, s)
}

// EnvKey returns the environment variable consulted when no API key is set.
func (p Provider) EnvKey() string {
	if p == ProviderXAI {
		return "XAI_API_KEY"
	}
	return "OPENAI_API_KEY"
}

// Voices returns the voice catalog for the provider.
func (p Provider) Voices() []string {
	if p == ProviderXAI {
		return grokVoices
	}
	return openAIVoices
}

// Voice constants.
const (
	// OpenAI voices
	VoiceAlloy   = "alloy"
	VoiceAsh     = "ash"
	VoiceBallad  = "ballad"
	VoiceCoral   = "coral"
	VoiceEcho    = "echo"
	VoiceSage    = "sage"
	VoiceShimmer = "shimmer"
	VoiceVerse   = "verse"
	VoiceMarin   = "marin"
	VoiceCedar   = "cedar"

	// Grok voices
	VoiceAra = "Ara"
	VoiceRex = "Rex"
	VoiceSal = "Sal"
	VoiceEve = "Eve"
	VoiceLeo = "Leo"
)

var (
	openAIVoices = []string{
		VoiceAlloy, VoiceAsh, VoiceBallad, VoiceCoral, VoiceEcho,
		VoiceSage, VoiceShimmer, VoiceVerse, VoiceMarin, VoiceCedar,
	}
	grokVoices = []string{VoiceAra, VoiceRex, VoiceSal, VoiceEve, VoiceLeo}
)

// Session defaults.
const (
	DefaultModel              = "gpt-realtime"
	DefaultInstructions       = "You are a helpful assistant."
	DefaultTranscriptionModel = "gpt-4o-transcribe"
	DefaultInputSampleRate    = 48000
	DefaultOutputSampleRate   = 24000
)

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	// Type is "server_vad" or "none". "none" disables server VAD.
	Type string `yaml:"type" json:"type"`

	// Threshold is the activation threshold (0.0-1.0).
	Threshold float64 `yaml:"threshold" json:"threshold"`

	// PrefixPaddingMs is audio kept before detected speech.
	PrefixPaddingMs int `yaml:"prefix_padding_ms" json:"prefix_padding_ms"`

	// SilenceDurationMs is the silence that ends a turn.
	SilenceDurationMs int `yaml:"silence_duration_ms" json:"silence_duration_ms"`

	// CreateResponse lets the server start a response when a turn ends.
	CreateResponse bool `yaml:"create_response" json:"create_response"`
}

// Enabled reports whether server VAD is on.
func (t TurnDetection) Enabled() bool {
	return t.Type != "" && t.Type != "none"
}

// Transcription configures input audio transcription.
type Transcription struct {
	Model    string `yaml:"model" json:"model"`
	Language string `yaml:"language" json:"language"`
}

// Session is the immutable description of a realtime session. A new
// connection always starts from a Session; changing one means reconnecting.
type Session struct {
	// Provider selects the wire dialect.
	Provider Provider `yaml:"provider" json:"provider"`

	// APIKey authenticates the connection. Falls back to the provider's
	// environment variable when empty.
	APIKey string `yaml:"-" json:"-"`

	// BaseURL overrides the provider endpoint.
	BaseURL string `yaml:"base_url" json:"base_url,omitempty"`

	Model        string   `yaml:"model" json:"model"`
	Voice        string   `yaml:"voice" json:"voice"`
	Instructions string   `yaml:"instructions" json:"instructions"`
	Temperature  *float64 `yaml:"temperature" json:"temperature,omitempty"`

	// InputSampleRate is the capture device rate in Hz.
	InputSampleRate int `yaml:"input_sample_rate" json:"input_sample_rate"`

	// OutputSampleRate is the wire and playback rate in Hz.
	OutputSampleRate int `yaml:"output_sample_rate" json:"output_sample_rate"`

	Channels int `yaml:"channels" json:"channels"`

	TurnDetection TurnDetection `yaml:"turn_detection" json:"turn_detection"`
	Transcription Transcription `yaml:"transcription" json:"transcription"`

	// MuteDuringPlayback drops captured audio while the assistant speaks.
	MuteDuringPlayback bool `yaml:"mute_during_playback" json:"mute_during_playback"`
}

// DefaultSession returns the defaults for a provider.
func DefaultSession(p Provider) Session {
	s := Session{
		Provider:         p,
		Model:            DefaultModel,
		Voice:            VoiceAlloy,
		Instructions:     DefaultInstructions,
		InputSampleRate:  DefaultInputSampleRate,
		OutputSampleRate: DefaultOutputSampleRate,
		Channels:         1,
		TurnDetection: TurnDetection{
			Type:              "server_vad",
			Threshold:         0.1,
			PrefixPaddingMs:   10,
			SilenceDurationMs: 400,
			CreateResponse:    true,
		},
		Transcription: Transcription{
			Model:    DefaultTranscriptionModel,
			Language: "en",
		},
		MuteDuringPlayback: true,
	}
	if p == ProviderXAI {
		s.Model = ""
		s.Voice = VoiceAra
	}
	return s
}

// SessionOption customizes a Session copy.
type SessionOption func(*Session)

// With returns a copy of s with opts applied.
func (s Session) With(opts ...SessionOption) Session {
	if s.Temperature != nil {
		t := *s.Temperature
		s.Temperature = &t
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Equal reports whether s and o describe the same session.
func (s Session) Equal(o Session) bool {
	if (s.Temperature == nil) != (o.Temperature == nil) {
		return false
	}
	if s.Temperature != nil && *s.Temperature != *o.Temperature {
		return false
	}
	s.Temperature, o.Temperature = nil, nil
	return s == o
}

// WithAPIKey sets the API key.
func WithAPIKey(key string) SessionOption {
	return func(s *Session) { s.APIKey = key }
}

// WithBaseURL sets the endpoint.
func WithBaseURL(url string) SessionOption {
	return func(s *Session) { s.BaseURL = url }
}

// WithModel sets the model.
func WithModel(model string) SessionOption {
	return func(s *Session) { s.Model = model }
}

// WithVoice sets the voice.
func WithVoice(voice string) SessionOption {
	return func(s *Session) { s.Voice = voice }
}

// WithInstructions sets the system instructions.
func WithInstructions(text string) SessionOption {
	return func(s *Session) { s.Instructions = text }
}

// WithTemperature sets the response temperature.
func WithTemperature(t float64) SessionOption {
	return func(s *Session) { s.Temperature = &t }
}

// WithTurnDetection replaces the VAD settings.
func WithTurnDetection(td TurnDetection) SessionOption {
	return func(s *Session) { s.TurnDetection = td }
}

// WithSampleRates sets the capture and wire rates.
func WithSampleRates(input, output int) SessionOption {
	return func(s *Session) {
		s.InputSampleRate = input
		s.OutputSampleRate = output
	}
}

// ResolveInstructions picks the first non-empty prompt, falling back to
// DefaultInstructions.
func ResolveInstructions(candidates ...string) string {
	for _, c := range candidates {
		if strings.TrimSpace(c) != "" {
			return c
		}
	}
	return DefaultInstructions
}

// Credential returns the API key, consulting the environment if unset.
func (s Session) Credential() string {
	if s.APIKey != "" {
		return s.APIKey
	}
	return os.Getenv(s.Provider.EnvKey())
}

// KnownVoice reports whether the voice is in the provider's catalog.
func (s Session) KnownVoice() bool {
	return slices.Contains(s.Provider.Voices(), s.Voice)
}

// Validate checks the session for values no server would accept.
func (s Session) Validate() error {
	if _, err := DialectFor(s.Provider); err != nil {
		return err
	}
	if s.InputSampleRate <= 0 || s.OutputSampleRate <= 0 {
		return fmt.Errorf("conversation: sample rates must be positive (input=%d output=%d)",
			s.InputSampleRate, s.OutputSampleRate)
	}
	if s.Channels < 0 {
		return fmt.Errorf("conversation: invalid channel count %d", s.Channels)
	}
	if s.Voice == "" {
		return fmt.Errorf("conversation: voice is required")
	}
	td := s.TurnDetection
	if td.Enabled() {
		if td.Threshold < 0 || td.Threshold > 1 {
			return fmt.Errorf("conversation: vad threshold %v outside [0, 1]", td.Threshold)
		}
		if td.PrefixPaddingMs < 0 || td.SilenceDurationMs < 0 {
			return fmt.Errorf("conversation: vad durations must not be negative")
		}
	}
	if s.Temperature != nil && (*s.Temperature < 0 || *s.Temperature > 2) {
		return fmt.Errorf("conversation: temperature %v outside [0, 2]", *s.Temperature)
	}
	return nil
}
