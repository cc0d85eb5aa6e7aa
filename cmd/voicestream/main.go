// Command voicestream runs a realtime voice conversation against the
// OpenAI or xAI realtime API using the local microphone and speaker.
//
// Usage:
//
//	go run ./cmd/voicestream
//	go run ./cmd/voicestream --provider xai --voice Rex
//	go run ./cmd/voicestream --config voicestream.yaml --monitor :9090
//	go run ./cmd/voicestream --text "What time is it in Tokyo?"
//	go run -tags portaudio ./cmd/voicestream --backend portaudio --input-device "USB Mic"
//
// Environment variables:
//
//	OPENAI_API_KEY         - For OpenAI Realtime
//	XAI_API_KEY            - For xAI Grok Voice
//	VOICESTREAM_*          - Any setting, e.g. VOICESTREAM_VOICE=sage
//	VOICESTREAM_REDIS_URL  - Optional Redis settings hash
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-voicestream/internal/config"
	"github.com/teslashibe/go-voicestream/internal/log"
	"github.com/teslashibe/go-voicestream/pkg/engine"
	"github.com/teslashibe/go-voicestream/pkg/metrics"
	"github.com/teslashibe/go-voicestream/pkg/monitor"
	"github.com/teslashibe/go-voicestream/pkg/turn"
)

func main() {
	configPath := flag.String("config", "", "YAML settings file")
	provider := flag.String("provider", "", "Realtime provider: openai, xai")
	model := flag.String("model", "", "Model override")
	voiceName := flag.String("voice", "", "Assistant voice")
	backend := flag.String("backend", "", "Audio backend: portaudio, mock")
	inputDevice := flag.String("input-device", "", "Capture device name")
	text := flag.String("text", "", "Send one text message instead of streaming the microphone")
	duration := flag.Duration("duration", 0, "Stop after this long (0 = until interrupted)")
	monitorAddr := flag.String("monitor", "", "Monitor listen address, e.g. :9090")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	overrides := map[string]string{
		"provider":      *provider,
		"model":         *model,
		"voice":         *voiceName,
		"audio_backend": *backend,
		"input_device":  *inputDevice,
		"monitor":       *monitorAddr,
		"log_level":     *logLevel,
	}
	opts := []config.LoadOption{config.WithEnvFiles(".env"), config.WithOverrides(overrides)}
	if *configPath != "" {
		opts = append(opts, config.WithFile(*configPath))
	}

	settings, err := config.Load(ctx, opts...)
	if err != nil {
		fmt.Printf("❌ Config error: %v\n", err)
		os.Exit(1)
	}
	if err := settings.Validate(); err != nil {
		fmt.Printf("❌ Config error: %v\n", err)
		os.Exit(1)
	}
	log.Init(settings.LogLevel, settings.LogFormat)

	if err := run(ctx, settings, *text, *duration); err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
}

// engineStatus lets the monitor be built before the engine it reports on.
type engineStatus struct {
	e *engine.Engine
}

func (s *engineStatus) Status() engine.Status { return s.e.Status() }

func run(ctx context.Context, s config.Settings, text string, duration time.Duration) error {
	logger := log.L()
	sched := engine.NewQueueScheduler(256, logger)
	defer sched.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	m := metrics.New(metrics.DefaultNamespace)
	latency := metrics.NewLatencyTracker(m)

	status := &engineStatus{}
	callbacks := console()
	var srv *monitor.Server
	if s.Monitor != "" {
		srv = monitor.NewServer(s.Monitor, status,
			monitor.WithLogger(logger),
			monitor.WithMetrics(m),
			monitor.WithLatency(latency),
		)
		callbacks = engine.Combine(callbacks, srv.Callbacks())
	}

	e := engine.New(
		engine.WithConfig(s.EngineConfig()),
		engine.WithLogger(logger),
		engine.WithScheduler(sched),
		engine.WithMetrics(m),
		engine.WithLatency(latency),
		engine.WithCallbacks(callbacks),
	)
	defer e.Disconnect()
	status.e = e

	sess := s.SessionConfig()
	fmt.Println("🎙️  go-voicestream")
	fmt.Println("==================")
	fmt.Printf("Provider: %s\n", sess.Provider)
	fmt.Printf("Model:    %s\n", sess.Model)
	fmt.Printf("Voice:    %s\n", sess.Voice)
	fmt.Printf("Audio:    %s (%d Hz in, %d Hz out)\n", s.Audio.Backend, s.Audio.InputSampleRate, s.Audio.OutputSampleRate)
	fmt.Println()

	if srv != nil {
		g.Go(func() error { return srv.Run(ctx) })
		fmt.Printf("📊 Monitor on http://%s\n", s.Monitor)
	}

	g.Go(func() error {
		defer cancel()
		return converse(ctx, e, s, text, duration)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func converse(ctx context.Context, e *engine.Engine, s config.Settings, text string, duration time.Duration) error {
	fmt.Println("🔌 Connecting...")
	if !e.Connect(s.SessionConfig()) {
		return errors.New("connect failed")
	}
	fmt.Printf("✅ Connected (session %s)\n", e.Status().SessionID)

	if duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, duration)
		defer stop()
	}

	if text != "" {
		return ask(ctx, e, text)
	}

	if !e.StartStreaming(engine.Callbacks{}, s.Audio) {
		return errors.New("start streaming failed")
	}
	fmt.Println("🎤 Listening. Press Ctrl+C to stop.")

	<-ctx.Done()
	fmt.Println()
	fmt.Println("🛑 Stopping...")
	e.StopStreaming()
	printSummary(e)
	return nil
}

func ask(ctx context.Context, e *engine.Engine, text string) error {
	fmt.Printf("💬 You: %s\n", text)
	reply := make(chan string, 1)
	if !e.SendText(text, func(r string) {
		select {
		case reply <- r:
		default:
		}
	}) {
		return errors.New("send text failed")
	}

	select {
	case r := <-reply:
		fmt.Printf("🤖 Assistant: %s\n", r)
	case <-ctx.Done():
		fmt.Println("⏱️  No reply before stop")
	}
	printSummary(e)
	return nil
}

func console() engine.Callbacks {
	return engine.Callbacks{
		OnUserTranscript: func(text string) {
			fmt.Printf("🗣️  You: %s\n", text)
		},
		OnAssistantTranscript: func(text string) {
			fmt.Printf("🤖 Assistant: %s\n", text)
		},
		OnError: func(msg string) {
			fmt.Printf("⚠️  %s\n", msg)
		},
		OnStateChange: func(from, to turn.State) {
			log.Debug("turn", "from", from.String(), "to", to.String())
		},
	}
}

func printSummary(e *engine.Engine) {
	st := e.Status()
	fmt.Println()
	fmt.Println("📈 Session summary")
	fmt.Printf("   Chunks:    %d captured, %d sent, %d dropped\n", st.ChunksCaptured, st.ChunksSent, st.ChunksDropped)
	fmt.Printf("   Turns:     %d commits, %d responses\n", st.Commits, st.Responses)
	fmt.Printf("   Reconnects: %d\n", st.Reconnects)
	if lat := e.Latency(); lat.Turns() > 0 {
		fmt.Printf("   Latency:   %s (avg over %d turns)\n", lat.Average().FormatLatency(), lat.Turns())
	}
}
