package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestInboundFIFOPerKey(t *testing.T) {
	b := NewMessageBusWithSize(16)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.PublishInbound(InboundMessage{
			Channel: "telegram",
			ChatID:  "42",
			Content: fmt.Sprintf("msg-%d", i),
		})
	}

	for i := 0; i < 5; i++ {
		msg, ok := b.ConsumeInbound(ctx)
		if !ok {
			t.Fatalf("consume %d failed", i)
		}
		if want := fmt.Sprintf("msg-%d", i); msg.Content != want {
			t.Fatalf("out of order: got %q want %q", msg.Content, want)
		}
		if msg.SessionKey != "telegram:42" {
			t.Fatalf("session key not derived: %q", msg.SessionKey)
		}
	}
}

func TestPublishInboundBackpressure(t *testing.T) {
	b := NewMessageBusWithSize(1)
	b.PublishInbound(InboundMessage{Channel: "cli", ChatID: "1", Content: "first"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := b.PublishInboundContext(ctx, InboundMessage{Channel: "cli", ChatID: "1", Content: "second"})
	if err == nil {
		t.Fatal("expected publish to block on a full queue")
	}

	// Draining one slot must unblock the publisher.
	if _, ok := b.ConsumeInbound(context.Background()); !ok {
		t.Fatal("consume failed")
	}
	if err := b.PublishInboundContext(context.Background(), InboundMessage{Channel: "cli", ChatID: "1", Content: "second"}); err != nil {
		t.Fatalf("publish after drain: %v", err)
	}
}

func TestDispatchRoutesBySurface(t *testing.T) {
	b := NewMessageBusWithSize(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	got := map[string][]string{}
	for _, name := range []string{"telegram", "discord"} {
		name := name
		b.SubscribeOutbound(name, func(msg OutboundMessage) error {
			mu.Lock()
			got[name] = append(got[name], msg.Content)
			mu.Unlock()
			return nil
		})
	}
	b.Dispatch(ctx)

	b.PublishOutbound(OutboundMessage{Channel: "telegram", ChatID: "1", Content: "a"})
	b.PublishOutbound(OutboundMessage{Channel: "discord", ChatID: "2", Content: "b"})
	b.PublishOutbound(OutboundMessage{Channel: "telegram", ChatID: "1", Content: "c"})

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		done := len(got["telegram"]) == 2 && len(got["discord"]) == 1
		mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("dispatch incomplete: %v", got)
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if got["telegram"][0] != "a" || got["telegram"][1] != "c" {
		t.Fatalf("telegram order wrong: %v", got["telegram"])
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := NewMessageBusWithSize(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	release := make(chan struct{})
	b.SubscribeOutbound("slow", func(msg OutboundMessage) error {
		<-release
		return nil
	})

	fastDone := make(chan struct{})
	b.SubscribeOutbound("fast", func(msg OutboundMessage) error {
		close(fastDone)
		return nil
	})
	b.Dispatch(ctx)

	b.PublishOutbound(OutboundMessage{Channel: "slow", ChatID: "1", Content: "stuck"})
	b.PublishOutbound(OutboundMessage{Channel: "fast", ChatID: "2", Content: "through"})

	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("fast surface blocked behind slow surface")
	}
	close(release)
}

func TestHandlerFailureIsContained(t *testing.T) {
	b := NewMessageBusWithSize(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := make(chan string, 4)
	b.SubscribeOutbound("flaky", func(msg OutboundMessage) error {
		calls <- msg.Content
		if msg.Content == "boom" {
			panic("surface exploded")
		}
		return nil
	})
	b.Dispatch(ctx)

	b.PublishOutbound(OutboundMessage{Channel: "flaky", ChatID: "1", Content: "boom"})
	b.PublishOutbound(OutboundMessage{Channel: "flaky", ChatID: "1", Content: "after"})

	for _, want := range []string{"boom", "after"} {
		select {
		case got := <-calls:
			if got != want {
				t.Fatalf("got %q want %q", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("delivery stalled waiting for %q", want)
		}
	}
}

func TestSessionKey(t *testing.T) {
	if SessionKey("telegram", "123") != "telegram:123" {
		t.Fatal("unexpected session key format")
	}
}
