package metrics

import (
	"sync"
	"time"
)

// Latency stage labels.
const (
	StageFirstAudio   = "first_audio"
	StageResponseDone = "response_done"
)

// Turn holds the timing of one conversation turn.
// All durations are measured from the moment speech ends.
type Turn struct {
	SpeechEndTime    time.Time
	FirstAudioTime   time.Time
	ResponseDoneTime time.Time

	FirstAudio   time.Duration
	TotalLatency time.Duration

	ChunksSent  int
	AudioDeltas int
}

// FormatLatency returns a one-line summary of the turn latencies.
func (t Turn) FormatLatency() string {
	return formatDuration(t.FirstAudio) + " first audio | " +
		formatDuration(t.TotalLatency) + " total"
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "---ms"
	}
	return d.Round(time.Millisecond).String()
}

const historySize = 100

// LatencyTracker collects per-turn latency. It is goroutine-safe: the engine
// loop writes, the monitor reads.
type LatencyTracker struct {
	metrics *Metrics

	mu      sync.Mutex
	current Turn
	history []Turn
}

// NewLatencyTracker creates a tracker. m may be nil.
func NewLatencyTracker(m *Metrics) *LatencyTracker {
	return &LatencyTracker{
		metrics: m,
		history: make([]Turn, 0, historySize),
	}
}

// MarkSpeechEnd starts a new turn. This is the reference point for all
// latency measurements.
func (l *LatencyTracker) MarkSpeechEnd() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current = Turn{SpeechEndTime: time.Now()}
}

// MarkChunkSent counts an audio chunk sent during the turn.
func (l *LatencyTracker) MarkChunkSent() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current.ChunksSent++
}

// MarkFirstAudio records the first assistant audio delta of the turn.
func (l *LatencyTracker) MarkFirstAudio() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current.AudioDeltas++
	if !l.current.FirstAudioTime.IsZero() {
		return
	}
	l.current.FirstAudioTime = time.Now()
	if !l.current.SpeechEndTime.IsZero() {
		l.current.FirstAudio = l.current.FirstAudioTime.Sub(l.current.SpeechEndTime)
		if l.metrics != nil {
			l.metrics.RecordLatency(StageFirstAudio, l.current.FirstAudio)
		}
	}
}

// MarkResponseDone closes the turn and archives it.
func (l *LatencyTracker) MarkResponseDone() Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current.ResponseDoneTime = time.Now()
	if !l.current.SpeechEndTime.IsZero() {
		l.current.TotalLatency = l.current.ResponseDoneTime.Sub(l.current.SpeechEndTime)
		if l.metrics != nil {
			l.metrics.RecordLatency(StageResponseDone, l.current.TotalLatency)
		}
	}

	done := l.current
	l.history = append(l.history, done)
	if len(l.history) > historySize {
		l.history = l.history[1:]
	}
	l.current = Turn{}
	return done
}

// Current returns the turn in progress.
func (l *LatencyTracker) Current() Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Average returns mean latencies over recent turns that had a speech end.
func (l *LatencyTracker) Average() Turn {
	l.mu.Lock()
	defer l.mu.Unlock()

	var avg Turn
	var n time.Duration
	for _, h := range l.history {
		if h.SpeechEndTime.IsZero() {
			continue
		}
		avg.FirstAudio += h.FirstAudio
		avg.TotalLatency += h.TotalLatency
		n++
	}
	if n == 0 {
		return Turn{}
	}
	avg.FirstAudio /= n
	avg.TotalLatency /= n
	return avg
}

// Turns returns the number of archived turns.
func (l *LatencyTracker) Turns() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.history)
}
