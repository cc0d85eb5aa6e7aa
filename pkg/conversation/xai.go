package conversation

import (
	"net/http"
	"net/url"
)

const xaiRealtimeURL = "wss://api.x.ai/v1/realtime"

// xaiDialect speaks the Grok voice agent protocol. It nests audio formats
// under session.audio and acknowledges with either session.updated or
// conversation.created.
type xaiDialect struct{}

type xaiSession struct {
	Instructions  string            `json:"instructions"`
	Voice         string            `json:"voice"`
	TurnDetection *xaiTurnDetection `json:"turn_detection"`
	Audio         xaiAudio          `json:"audio"`
	Temperature   *float64          `json:"temperature,omitempty"`
}

type xaiTurnDetection struct {
	Type string `json:"type"`
}

type xaiAudio struct {
	Input  xaiAudioDirection `json:"input"`
	Output xaiAudioDirection `json:"output"`
}

type xaiAudioDirection struct {
	Format xaiFormat `json:"format"`
}

type xaiFormat struct {
	Type string `json:"type"`
	Rate int    `json:"rate"`
}

func (xaiDialect) Provider() Provider { return ProviderXAI }

func (xaiDialect) URL(s Session) (string, error) {
	base := s.BaseURL
	if base == "" {
		base = xaiRealtimeURL
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

func (xaiDialect) Header(_ Session, apiKey string) http.Header {
	h := http.Header{}
	bearer(h, apiKey)
	return h
}

func (xaiDialect) SessionUpdate(s Session) any {
	format := xaiFormat{Type: "audio/pcm", Rate: s.OutputSampleRate}
	cfg := xaiSession{
		Instructions: s.Instructions,
		Voice:        s.Voice,
		Audio: xaiAudio{
			Input:  xaiAudioDirection{Format: format},
			Output: xaiAudioDirection{Format: format},
		},
		Temperature: s.Temperature,
	}
	if s.TurnDetection.Enabled() {
		cfg.TurnDetection = &xaiTurnDetection{Type: s.TurnDetection.Type}
	}
	return cfg
}

func (xaiDialect) ResponseCreate(s Session, opts ResponseOptions) responseParams {
	modalities := opts.Modalities
	if len(modalities) == 0 {
		modalities = []string{"text", "audio"}
	}
	return responseParams{
		Modalities:   modalities,
		Instructions: opts.Instructions,
		Temperature:  temperature(s, opts),
	}
}

func (xaiDialect) Acknowledges(kind EventKind) bool {
	return kind == EventSessionUpdated || kind == EventConversationCreated
}
