package tools

import "context"

type conversationKey struct{}

// Conversation identifies the channel and chat a tool call is acting for.
type Conversation struct {
	Channel string
	ChatID  string
}

// WithConversation binds the originating conversation to ctx. Tools that
// target "the current chat" resolve it from the call context, so concurrent
// cycles for different conversations never see each other's target.
func WithConversation(ctx context.Context, channel, chatID string) context.Context {
	return context.WithValue(ctx, conversationKey{}, Conversation{Channel: channel, ChatID: chatID})
}

// ConversationFrom returns the conversation bound to ctx, if any.
func ConversationFrom(ctx context.Context) (Conversation, bool) {
	conv, ok := ctx.Value(conversationKey{}).(Conversation)
	return conv, ok
}
