//go:build integration

package conversation

import (
	"context"
	"os"
	"testing"
	"time"
)

// These tests require real API keys and make actual API calls.
// Run with: go test -tags=integration -v ./pkg/conversation/...

func TestOpenAIIntegration(t *testing.T) {
	if os.Getenv("OPENAI_API_KEY") == "" {
		t.Skip("OPENAI_API_KEY required")
	}

	t.Run("connect and disconnect", func(t *testing.T) {
		m := NewManager()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := m.Connect(ctx, DefaultSession(ProviderOpenAI)); err != nil {
			t.Fatalf("failed to connect: %v", err)
		}
		if !m.IsOpen() {
			t.Error("should be connected")
		}
		if err := m.Close(ctx); err != nil {
			t.Errorf("failed to close: %v", err)
		}
		if m.IsOpen() {
			t.Error("should not be connected after close")
		}
	})

	t.Run("text turn", func(t *testing.T) {
		m := NewManager()
		defer m.Close(context.Background())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := m.Connect(ctx, DefaultSession(ProviderOpenAI)); err != nil {
			t.Fatalf("failed to connect: %v", err)
		}
		if err := m.SendText(ctx, "Say hello in one word."); err != nil {
			t.Fatalf("send text: %v", err)
		}
		if err := m.RequestResponse(ctx, ResponseOptions{}); err != nil {
			t.Fatalf("request response: %v", err)
		}

		for {
			select {
			case ev, ok := <-m.Receive():
				if !ok {
					t.Fatal("connection closed before response.done")
				}
				if ev.Kind == EventError {
					t.Fatalf("server error: %v", ev.Err)
				}
				if ev.Kind == EventResponseDone {
					return
				}
			case <-ctx.Done():
				t.Fatal("timed out waiting for response.done")
			}
		}
	})
}

func TestXAIIntegration(t *testing.T) {
	if os.Getenv("XAI_API_KEY") == "" {
		t.Skip("XAI_API_KEY required")
	}

	m := NewManager()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.Connect(ctx, DefaultSession(ProviderXAI)); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if err := m.Close(ctx); err != nil {
		t.Errorf("failed to close: %v", err)
	}
}
