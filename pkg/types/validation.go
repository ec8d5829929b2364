package types

import (
	"regexp"
	"unicode/utf8"
)

const (
	maxChatTextLength = 4000
	maxURLLength      = 2048
)

var orderStatusRegex = regexp.MustCompile(`^[a-z0-9_]{1,50}$`)

// Validate checks the fields a client supplies for a chat message and fills in the default type
func (m *ChatMessage) Validate() error {
	if m.OrderID <= 0 {
		return ErrMissingOrderID
	}
	if m.Text == "" && m.ImageURL == "" {
		return ErrMissingChatContent
	}

	if m.MessageType == "" {
		m.MessageType = ChatMessageTypeText
	}
	if !IsValidChatMessageType(m.MessageType) {
		return ErrInvalidMessageType
	}

	if utf8.RuneCountInString(m.Text) > maxChatTextLength {
		return ErrMessageTooLong
	}
	if len(m.ImageURL) > maxURLLength || len(m.ImageThumbnailURL) > maxURLLength {
		return ErrInvalidURL
	}
	return nil
}

func IsValidChatMessageType(messageType string) bool {
	return messageType == ChatMessageTypeText || messageType == ChatMessageTypeImage
}

// IsValidOrderStatus accepts the snake_case status codes used by the order service
func IsValidOrderStatus(status string) bool {
	return orderStatusRegex.MatchString(status)
}
