package conversation

import (
	"net/http"
	"net/url"
)

const openAIRealtimeURL = "wss://api.openai.com/v1/realtime"

// openAIDialect speaks the OpenAI Realtime beta protocol.
type openAIDialect struct{}

type openAISession struct {
	Modalities              []string             `json:"modalities"`
	Instructions            string               `json:"instructions"`
	Voice                   string               `json:"voice"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *openAITranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *openAITurnDetection `json:"turn_detection"`
	Temperature             *float64             `json:"temperature,omitempty"`
}

type openAITranscription struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type openAITurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
	CreateResponse    bool    `json:"create_response"`
}

func (openAIDialect) Provider() Provider { return ProviderOpenAI }

func (openAIDialect) URL(s Session) (string, error) {
	base := s.BaseURL
	if base == "" {
		base = openAIRealtimeURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if s.Model != "" {
		q := u.Query()
		q.Set("model", s.Model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (openAIDialect) Header(_ Session, apiKey string) http.Header {
	h := http.Header{}
	bearer(h, apiKey)
	h.Set("OpenAI-Beta", "realtime=v1")
	return h
}

func (openAIDialect) SessionUpdate(s Session) any {
	cfg := openAISession{
		Modalities:        []string{"text", "audio"},
		Instructions:      s.Instructions,
		Voice:             s.Voice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		Temperature:       s.Temperature,
	}
	if s.Transcription.Model != "" {
		cfg.InputAudioTranscription = &openAITranscription{
			Model:    s.Transcription.Model,
			Language: s.Transcription.Language,
		}
	}
	if td := s.TurnDetection; td.Enabled() {
		cfg.TurnDetection = &openAITurnDetection{
			Type:              td.Type,
			Threshold:         td.Threshold,
			PrefixPaddingMs:   td.PrefixPaddingMs,
			SilenceDurationMs: td.SilenceDurationMs,
			CreateResponse:    td.CreateResponse,
		}
	}
	return cfg
}

func (openAIDialect) ResponseCreate(s Session, opts ResponseOptions) responseParams {
	modalities := opts.Modalities
	if len(modalities) == 0 {
		modalities = []string{"audio", "text"}
	}
	return responseParams{
		Modalities:        modalities,
		OutputAudioFormat: "pcm16",
		Instructions:      opts.Instructions,
		Temperature:       temperature(s, opts),
	}
}

func (openAIDialect) Acknowledges(kind EventKind) bool {
	return kind == EventSessionUpdated
}
