// Package messaging provides the chat transport abstraction and the
// stateful response handling for YTBot interactions.
package messaging

import (
	"context"

	"github.com/ytbot-dev/ytbot/internal/models"
)

// Constants for messaging service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for the
	// incoming message channel.
	DefaultChannelBufferSize = 100
)

// Service defines a pluggable message transport abstraction. It supports
// sending messages and provides a channel of normalized incoming messages.
type Service interface {
	// SendMessage sends a text message to a chat.
	SendMessage(ctx context.Context, chatID int64, body string) error

	// Start begins background processing (e.g., polling for updates).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Messages returns a channel of normalized incoming messages.
	Messages() <-chan models.IncomingMessage

	// CheckConnection verifies the transport backend is reachable with the
	// configured credentials.
	CheckConnection(ctx context.Context) error
}
