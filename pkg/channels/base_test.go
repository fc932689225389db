package channels

import (
	"context"
	"testing"
	"time"

	"github.com/microclaw/microclaw/pkg/bus"
)

func TestIsAllowedEmptyListAllowsEveryone(t *testing.T) {
	c := NewBaseChannel("test", bus.NewMessageBus(), nil)
	if !c.IsAllowed("12345") {
		t.Fatal("empty allowlist should allow everyone")
	}
}

func TestIsAllowedMatchesIDOrUsername(t *testing.T) {
	c := NewBaseChannel("test", bus.NewMessageBus(), []string{"12345", "alice"})

	cases := []struct {
		sender string
		want   bool
	}{
		{"12345", true},
		{"12345|bob", true},
		{"99999|alice", true},
		{"99999", false},
		{"99999|bob", false},
	}
	for _, tc := range cases {
		if got := c.IsAllowed(tc.sender); got != tc.want {
			t.Errorf("IsAllowed(%q) = %v, want %v", tc.sender, got, tc.want)
		}
	}
}

func TestHandleMessagePublishesInbound(t *testing.T) {
	b := bus.NewMessageBus()
	c := NewBaseChannel("test", b, nil)

	c.HandleMessage("u1", "chat9", "hello", []string{"/tmp/a.png"}, map[string]string{"k": "v"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound message published")
	}
	if msg.Channel != "test" || msg.SenderID != "u1" || msg.ChatID != "chat9" {
		t.Fatalf("wrong routing: %+v", msg)
	}
	if msg.Content != "hello" || len(msg.Media) != 1 || msg.Metadata["k"] != "v" {
		t.Fatalf("payload lost: %+v", msg)
	}
	if msg.SessionKey != "test:chat9" {
		t.Fatalf("session key = %q", msg.SessionKey)
	}
	if msg.IsSystem() {
		t.Fatal("channel messages must be user origin")
	}
}
