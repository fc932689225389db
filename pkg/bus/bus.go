package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/microclaw/microclaw/pkg/logger"
)

const DefaultQueueSize = 128

// MessageBus decouples chat surfaces from the agent loop. Both directions are
// bounded FIFO queues: publishing to a full queue blocks the caller instead of
// dropping, so overload turns into backpressure on the surfaces.
//
// Outbound delivery is fanned out per subscribed surface. Each surface gets its
// own queue and delivery goroutine, so one slow or failing surface never stalls
// delivery to the others.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string]*subscriber

	dispatchOnce sync.Once
	wg           sync.WaitGroup
}

type subscriber struct {
	name    string
	handler OutboundHandler
	queue   chan OutboundMessage
}

func NewMessageBus() *MessageBus {
	return NewMessageBusWithSize(DefaultQueueSize)
}

func NewMessageBusWithSize(queueSize int) *MessageBus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &MessageBus{
		inbound:     make(chan InboundMessage, queueSize),
		outbound:    make(chan OutboundMessage, queueSize),
		subscribers: make(map[string]*subscriber),
	}
}

// PublishInbound enqueues a message for the agent loop. Blocks while the
// inbound queue is full.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.Origin == "" {
		msg.Origin = OriginUser
	}
	if msg.SessionKey == "" {
		msg.SessionKey = SessionKey(msg.Channel, msg.ChatID)
	}
	b.inbound <- msg
}

// PublishInboundContext is PublishInbound with cancellation while blocked on a
// full queue.
func (b *MessageBus) PublishInboundContext(ctx context.Context, msg InboundMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.Origin == "" {
		msg.Origin = OriginUser
	}
	if msg.SessionKey == "" {
		msg.SessionKey = SessionKey(msg.Channel, msg.ChatID)
	}
	select {
	case b.inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeInbound blocks until a message is available or ctx is cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues a message for delivery to its surface. Blocks while
// the outbound queue is full.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.outbound <- msg
}

// SubscribeOutbound registers the delivery handler for a surface. Calling it
// again for the same surface replaces the handler but keeps the queue.
func (b *MessageBus) SubscribeOutbound(channel string, handler OutboundHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[channel]; ok {
		sub.handler = handler
		return
	}
	b.subscribers[channel] = &subscriber{
		name:    channel,
		handler: handler,
		queue:   make(chan OutboundMessage, cap(b.outbound)),
	}
}

// Dispatch routes outbound messages to their surface queues until ctx is
// cancelled. Must be running for outbound delivery to happen; starting it more
// than once is a no-op.
func (b *MessageBus) Dispatch(ctx context.Context) {
	b.dispatchOnce.Do(func() {
		b.wg.Add(1)
		go b.dispatchLoop(ctx)
	})
}

func (b *MessageBus) dispatchLoop(ctx context.Context) {
	defer b.wg.Done()

	started := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.outbound:
			sub := b.lookup(msg.Channel)
			if sub == nil {
				logger.WarnCF("bus", "No subscriber for outbound channel",
					map[string]interface{}{"channel": msg.Channel, "chat_id": msg.ChatID})
				continue
			}
			if !started[sub.name] {
				started[sub.name] = true
				b.wg.Add(1)
				go b.deliverLoop(ctx, sub)
			}
			select {
			case sub.queue <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (b *MessageBus) lookup(channel string) *subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.subscribers[channel]
}

// deliverLoop drains one surface's queue. Delivery failures are logged and
// swallowed: the loop already considers its work done once it published.
func (b *MessageBus) deliverLoop(ctx context.Context, sub *subscriber) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-sub.queue:
			if err := b.deliver(sub, msg); err != nil {
				logger.ErrorCF("bus", "Outbound delivery failed",
					map[string]interface{}{
						"channel": sub.name,
						"chat_id": msg.ChatID,
						"error":   err.Error(),
					})
			}
		}
	}
}

func (b *MessageBus) deliver(sub *subscriber, msg OutboundMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	b.mu.RLock()
	handler := sub.handler
	b.mu.RUnlock()
	if handler == nil {
		return fmt.Errorf("no handler registered")
	}
	return handler(msg)
}

// Wait blocks until the dispatcher and all delivery goroutines have exited.
// Only meaningful after the Dispatch context has been cancelled.
func (b *MessageBus) Wait() {
	b.wg.Wait()
}

// InboundDepth reports how many inbound messages are queued. Used by status
// reporting, not by routing logic.
func (b *MessageBus) InboundDepth() int {
	return len(b.inbound)
}

// SessionKey builds the conversation key for a channel and chat id. It is the
// unit of ordering and session ownership everywhere in the system.
func SessionKey(channel, chatID string) string {
	return channel + ":" + chatID
}
