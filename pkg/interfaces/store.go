package interfaces

import (
	"context"

	"pushhub/pkg/types"
)

// ChatStore is the durable chat log. A message is stored before any fan-out.
type ChatStore interface {
	// StoreChatMessage persists m and sets m.ID and m.CreatedAt
	StoreChatMessage(ctx context.Context, m *types.ChatMessage) error

	// ChatHistory returns messages of an order with id > afterID, oldest first
	ChatHistory(ctx context.Context, orderID int64, afterID int64, limit int) ([]*types.ChatMessage, error)

	HealthCheck(ctx context.Context) error
}
