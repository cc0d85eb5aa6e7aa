package conversation

import (
	"encoding/base64"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// Client event types.
const (
	typeSessionUpdate      = "session.update"
	typeAudioAppend        = "input_audio_buffer.append"
	typeAudioCommit        = "input_audio_buffer.commit"
	typeResponseCreate     = "response.create"
	typeConversationCreate = "conversation.item.create"
)

// clientEvent is the common envelope of every outbound message.
type clientEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
}

func newClientEvent(typ string) clientEvent {
	return clientEvent{Type: typ, EventID: "evt_" + uuid.NewString()}
}

type appendEvent struct {
	clientEvent
	Audio string `json:"audio"`
}

func newAppendEvent(pcm []byte) appendEvent {
	return appendEvent{
		clientEvent: newClientEvent(typeAudioAppend),
		Audio:       base64.StdEncoding.EncodeToString(pcm),
	}
}

type itemEvent struct {
	clientEvent
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []itemContent `json:"content"`
}

type itemContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func newTextItemEvent(text string) itemEvent {
	return itemEvent{
		clientEvent: newClientEvent(typeConversationCreate),
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []itemContent{{Type: "input_text", Text: text}},
		},
	}
}

type sessionUpdateEvent struct {
	clientEvent
	Session any `json:"session"`
}

type responseCreateEvent struct {
	clientEvent
	Response responseParams `json:"response"`
}

type responseParams struct {
	Modalities        []string `json:"modalities,omitempty"`
	OutputAudioFormat string   `json:"output_audio_format,omitempty"`
	Instructions      string   `json:"instructions,omitempty"`
	Voice             string   `json:"voice,omitempty"`
	Temperature       *float64 `json:"temperature,omitempty"`
}

// encode marshals a client event for the wire.
func encode(v any) ([]byte, error) {
	return sonic.Marshal(v)
}
