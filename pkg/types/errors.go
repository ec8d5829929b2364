package types

import "errors"

var (
	ErrMissingOrderID      = errors.New("orderId is required")
	ErrMissingChatContent  = errors.New("orderId and message/imageUrl are required")
	ErrInvalidMessageType  = errors.New("messageType must be text or image")
	ErrMessageTooLong      = errors.New("message exceeds 4000 characters")
	ErrInvalidURL          = errors.New("image URL exceeds 2048 characters")
	ErrInvalidOrderStatus  = errors.New("order status must be 1-50 characters")
)
