package conversation

import (
	"encoding/base64"
	"fmt"

	"github.com/bytedance/sonic"
)

// EventKind classifies a server event independent of provider naming.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventSessionCreated
	EventSessionUpdated
	EventConversationCreated
	EventSpeechStarted
	EventSpeechStopped
	EventInputCommitted
	EventItemCreated
	EventUserTranscript
	EventResponseCreated
	EventAudioDelta
	EventAudioDone
	EventAssistantTranscriptDelta
	EventAssistantTranscriptDone
	EventTextDelta
	EventResponseDone
	EventError
)

var kindNames = map[EventKind]string{
	EventUnknown:                  "unknown",
	EventSessionCreated:           "session_created",
	EventSessionUpdated:           "session_updated",
	EventConversationCreated:      "conversation_created",
	EventSpeechStarted:            "speech_started",
	EventSpeechStopped:            "speech_stopped",
	EventInputCommitted:           "input_committed",
	EventItemCreated:              "item_created",
	EventUserTranscript:           "user_transcript",
	EventResponseCreated:          "response_created",
	EventAudioDelta:               "audio_delta",
	EventAudioDone:                "audio_done",
	EventAssistantTranscriptDelta: "assistant_transcript_delta",
	EventAssistantTranscriptDone:  "assistant_transcript_done",
	EventTextDelta:                "text_delta",
	EventResponseDone:             "response_done",
	EventError:                    "error",
}

// String returns the kind name.
func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Both the beta and GA event names map here; xAI uses the GA names.
var eventTypes = map[string]EventKind{
	"session.created":      EventSessionCreated,
	"session.updated":      EventSessionUpdated,
	"conversation.created": EventConversationCreated,

	"input_audio_buffer.speech_started": EventSpeechStarted,
	"input_audio_buffer.speech_stopped": EventSpeechStopped,
	"input_audio_buffer.committed":      EventInputCommitted,

	"conversation.item.created":                             EventItemCreated,
	"conversation.item.input_audio_transcription.completed": EventUserTranscript,

	"response.created": EventResponseCreated,

	"response.audio.delta":        EventAudioDelta,
	"response.output_audio.delta": EventAudioDelta,
	"response.audio.done":         EventAudioDone,
	"response.output_audio.done":  EventAudioDone,

	"response.audio_transcript.delta":        EventAssistantTranscriptDelta,
	"response.output_audio_transcript.delta": EventAssistantTranscriptDelta,
	"response.audio_transcript.done":         EventAssistantTranscriptDone,
	"response.output_audio_transcript.done":  EventAssistantTranscriptDone,

	"response.text.delta":        EventTextDelta,
	"response.output_text.delta": EventTextDelta,

	"response.done": EventResponseDone,
	"error":         EventError,
}

// KindOf maps a wire event type to its kind.
func KindOf(eventType string) EventKind {
	return eventTypes[eventType]
}

// ServerEvent is a decoded inbound message.
type ServerEvent struct {
	Kind       EventKind
	Type       string
	EventID    string
	ItemID     string
	ResponseID string

	// Audio holds decoded PCM16 for audio deltas.
	Audio []byte

	// Text holds a transcript or text delta, or a completed transcript.
	Text string

	// Transcripts lists the assistant transcripts found in response.done.
	Transcripts []string

	// Status is the response status for response.done.
	Status string

	// Err is set for error events.
	Err *APIError
}

type wireEvent struct {
	Type       string        `json:"type"`
	EventID    string        `json:"event_id"`
	ItemID     string        `json:"item_id"`
	Delta      string        `json:"delta"`
	Transcript string        `json:"transcript"`
	Text       string        `json:"text"`
	Error      *wireError    `json:"error"`
	Response   *wireResponse `json:"response"`
}

type wireError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
	EventID string `json:"event_id"`
}

type wireResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output []struct {
		Type    string `json:"type"`
		Role    string `json:"role"`
		Content []struct {
			Type       string `json:"type"`
			Transcript string `json:"transcript"`
			Text       string `json:"text"`
		} `json:"content"`
	} `json:"output"`
}

// DecodeServerEvent parses one inbound frame.
func DecodeServerEvent(data []byte) (ServerEvent, error) {
	var w wireEvent
	if err := sonic.Unmarshal(data, &w); err != nil {
		return ServerEvent{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if w.Type == "" {
		return ServerEvent{}, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}

	ev := ServerEvent{
		Kind:    KindOf(w.Type),
		Type:    w.Type,
		EventID: w.EventID,
		ItemID:  w.ItemID,
	}
	if w.Response != nil {
		ev.ResponseID = w.Response.ID
		ev.Status = w.Response.Status
	}

	switch ev.Kind {
	case EventAudioDelta:
		pcm, err := base64.StdEncoding.DecodeString(w.Delta)
		if err != nil {
			return ServerEvent{}, fmt.Errorf("%w: audio delta: %v", ErrInvalidMessage, err)
		}
		ev.Audio = pcm
	case EventAssistantTranscriptDelta, EventTextDelta:
		ev.Text = w.Delta
	case EventAssistantTranscriptDone, EventUserTranscript:
		ev.Text = w.Transcript
	case EventResponseDone:
		if w.Response != nil {
			for _, out := range w.Response.Output {
				for _, c := range out.Content {
					if c.Transcript != "" {
						ev.Transcripts = append(ev.Transcripts, c.Transcript)
					}
				}
			}
		}
	case EventError:
		ev.Err = &APIError{Message: "unknown error"}
		if w.Error != nil {
			ev.Err = &APIError{
				Code:    w.Error.Code,
				Message: w.Error.Message,
				Type:    w.Error.Type,
				Param:   w.Error.Param,
				EventID: w.Error.EventID,
			}
		}
	}
	return ev, nil
}
