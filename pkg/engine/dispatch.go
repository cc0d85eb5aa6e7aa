package engine

import (
	"context"
	"strings"

	"github.com/teslashibe/go-voicestream/pkg/conversation"
	"github.com/teslashibe/go-voicestream/pkg/pcm"
	"github.com/teslashibe/go-voicestream/pkg/turn"
)

func newMachine(cfg Config, s conversation.Session) *turn.Machine {
	return turn.New(turn.Config{
		AutoResponse:       cfg.AutoResponse,
		MuteDuringPlayback: s.MuteDuringPlayback,
	})
}

// dispatch applies one server event on the loop.
func (e *Engine) dispatch(ctx context.Context, ev conversation.ServerEvent) {
	e.metrics.ServerEvents.WithLabelValues(ev.Kind.String()).Inc()
	m := e.machine.Load()
	cb := e.callbacks()

	switch ev.Kind {
	case conversation.EventSpeechStarted:
		if m.SpeechStarted() {
			e.interrupt()
		}

	case conversation.EventSpeechStopped:
		e.latency.MarkSpeechEnd()
		a := m.SpeechStopped()
		if a.Commit {
			_, _ = e.commit(ctx)
		}
		if a.RequestResponse {
			_ = e.requestResponse(ctx)
		}

	case conversation.EventResponseCreated:
		m.ResponseCreated()

	case conversation.EventAudioDelta:
		m.AudioDelta()
		e.latency.MarkFirstAudio()
		e.play(ev.Audio)

	case conversation.EventTextDelta:
		e.ls.textSeen = true
		e.emit(cb.OnText, ev.Text)
		e.emit(e.ls.textCB, ev.Text)

	case conversation.EventAssistantTranscriptDelta:
		e.ls.transcript.WriteString(ev.Text)

	case conversation.EventAssistantTranscriptDone:
		text := ev.Text
		if text == "" {
			text = e.ls.transcript.String()
		}
		e.deliverTranscript(cb, text)

	case conversation.EventUserTranscript:
		e.emit(cb.OnUserTranscript, strings.TrimSpace(ev.Text))

	case conversation.EventResponseDone:
		if !e.ls.spoken {
			text := strings.Join(ev.Transcripts, " ")
			if text == "" {
				text = e.ls.transcript.String()
			}
			e.deliverTranscript(cb, text)
		}
		e.ls.textCB = nil
		e.resetTranscript()

		m.ResponseDone()
		t := e.latency.MarkResponseDone()
		if t.TotalLatency > 0 {
			e.logger.Info("response complete", "latency", t.FormatLatency(), "status", ev.Status)
		}
		if e.ls.draining && m.DrainComplete() {
			e.finishDrain()
		}

	case conversation.EventError:
		e.onServerError(ev.Err)

	case conversation.EventUnknown:
		e.logger.Debug("ignoring event", "type", ev.Type)
	}
}

// deliverTranscript sends the assistant transcript for the current response
// once. A text-only turn's callback gets it when no text deltas arrived.
func (e *Engine) deliverTranscript(cb Callbacks, text string) {
	text = strings.TrimSpace(text)
	if text == "" || e.ls.spoken {
		return
	}
	e.ls.spoken = true
	e.emit(cb.OnAssistantTranscript, text)
	if !e.ls.textSeen {
		e.emit(e.ls.textCB, text)
	}
}

func (e *Engine) resetTranscript() {
	e.ls.transcript.Reset()
	e.ls.textSeen = false
	e.ls.spoken = false
}

func (e *Engine) onServerError(apiErr *conversation.APIError) {
	if apiErr == nil {
		return
	}
	m := e.machine.Load()
	m.Error(apiErr.Code)

	if apiErr.Recoverable() {
		e.logger.Debug("tolerated server error", "code", apiErr.Code, "message", apiErr.Message)
		return
	}

	e.ls.textCB = nil
	e.resetTranscript()
	e.report("server", apiErr)
	if e.ls.draining {
		e.finishDrain()
	}
}

// interrupt discards queued playback when the user talks over the assistant.
func (e *Engine) interrupt() {
	if e.ls.sink == nil {
		return
	}
	n := e.ls.sink.Clear()
	e.metrics.PlaybackCleared.Add(float64(n))
	e.logger.Info("user interrupted response", "cleared_samples", n)
}

// play queues assistant audio, adapting the wire rate to the device rate.
func (e *Engine) play(data []byte) {
	e.metrics.RecordReceived(len(data))
	if e.ls.sink == nil || len(data) == 0 {
		return
	}

	s, _ := e.conn.Session()
	if wire, dev := s.OutputSampleRate, e.ls.audio.OutputSampleRate; wire > 0 && dev > 0 && wire != dev {
		data = pcm.SamplesToBytes(pcm.ResampleInt16(pcm.BytesToSamples(data), wire, dev))
	}
	if err := e.ls.sink.Write(data); err != nil {
		e.logger.Warn("playback write failed", "error", err)
		return
	}

	if dropped := e.ls.sink.Stats().Dropped; dropped > e.ls.playbackDropped {
		e.metrics.PlaybackDropped.Add(float64(dropped - e.ls.playbackDropped))
		e.ls.playbackDropped = dropped
	}
}
