package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"pushhub/pkg/types"
)

// Outbound event discriminants
const (
	EventAuthSuccess             = "auth_success"
	EventAuthError               = "auth_error"
	EventSubscribedAssignments   = "subscribed_assignments"
	EventUnsubscribedAssignments = "unsubscribed_assignments"
	EventJoinedOrderChat         = "joined_order_chat"
	EventNewAssignment           = "new_assignment"
	EventAssignmentExpired       = "assignment_expired"
	EventOrderStatusUpdate       = "order_status_update"
	EventChatMessage             = "chat_message"
	EventPong                    = "pong"
	EventError                   = "error"
)

// Event is a message addressed to one or more actors. Build values with the
// New* constructors so the type discriminant is always set.
type Event interface {
	EventType() string
}

type AuthSuccessEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type AuthErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type SubscribedAssignmentsEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type UnsubscribedAssignmentsEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type JoinedOrderChatEvent struct {
	Type    string `json:"type"`
	OrderID int64  `json:"orderId"`
}

type NewAssignmentEvent struct {
	Type       string           `json:"type"`
	Assignment types.Assignment `json:"assignment"`
}

type AssignmentExpiredEvent struct {
	Type         string `json:"type"`
	AssignmentID int64  `json:"assignmentId"`
}

type OrderStatusUpdateEvent struct {
	Type      string    `json:"type"`
	OrderID   int64     `json:"orderId"`
	NewStatus string    `json:"newStatus"`
	Timestamp time.Time `json:"timestamp"`
}

type ChatMessageEvent struct {
	Type              string        `json:"type"`
	OrderID           int64         `json:"orderId"`
	MessageID         int64         `json:"messageId"`
	SenderID          types.ActorID `json:"senderId"`
	SenderName        string        `json:"senderName"`
	MessageType       string        `json:"messageType"`
	Message           string        `json:"message,omitempty"`
	ImageURL          string        `json:"imageUrl,omitempty"`
	ImageThumbnailURL string        `json:"imageThumbnailUrl,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
}

type PongEvent struct {
	Type string `json:"type"`
}

type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// UnrecognizedEvent is what DecodeEvent returns for a type it does not know
type UnrecognizedEvent struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

func (e AuthSuccessEvent) EventType() string             { return e.Type }
func (e AuthErrorEvent) EventType() string               { return e.Type }
func (e SubscribedAssignmentsEvent) EventType() string   { return e.Type }
func (e UnsubscribedAssignmentsEvent) EventType() string { return e.Type }
func (e JoinedOrderChatEvent) EventType() string         { return e.Type }
func (e NewAssignmentEvent) EventType() string           { return e.Type }
func (e AssignmentExpiredEvent) EventType() string       { return e.Type }
func (e OrderStatusUpdateEvent) EventType() string       { return e.Type }
func (e ChatMessageEvent) EventType() string             { return e.Type }
func (e PongEvent) EventType() string                    { return e.Type }
func (e ErrorEvent) EventType() string                   { return e.Type }
func (e UnrecognizedEvent) EventType() string            { return e.Type }

func NewAuthSuccess() AuthSuccessEvent {
	return AuthSuccessEvent{Type: EventAuthSuccess, Message: "Authentication successful"}
}

func NewAuthError(message string) AuthErrorEvent {
	return AuthErrorEvent{Type: EventAuthError, Message: message}
}

func NewSubscribedAssignments() SubscribedAssignmentsEvent {
	return SubscribedAssignmentsEvent{Type: EventSubscribedAssignments, Message: "Assignment subscription activated"}
}

func NewUnsubscribedAssignments() UnsubscribedAssignmentsEvent {
	return UnsubscribedAssignmentsEvent{Type: EventUnsubscribedAssignments, Message: "Assignment subscription cancelled"}
}

func NewJoinedOrderChat(orderID int64) JoinedOrderChatEvent {
	return JoinedOrderChatEvent{Type: EventJoinedOrderChat, OrderID: orderID}
}

func NewNewAssignment(assignment types.Assignment) NewAssignmentEvent {
	return NewAssignmentEvent{Type: EventNewAssignment, Assignment: assignment}
}

func NewAssignmentExpired(assignmentID int64) AssignmentExpiredEvent {
	return AssignmentExpiredEvent{Type: EventAssignmentExpired, AssignmentID: assignmentID}
}

func NewOrderStatusUpdate(orderID int64, newStatus string, at time.Time) OrderStatusUpdateEvent {
	return OrderStatusUpdateEvent{
		Type:      EventOrderStatusUpdate,
		OrderID:   orderID,
		NewStatus: newStatus,
		Timestamp: at.UTC(),
	}
}

// NewChatMessage builds the fan-out event for a persisted chat row
func NewChatMessage(m *types.ChatMessage) ChatMessageEvent {
	return ChatMessageEvent{
		Type:              EventChatMessage,
		OrderID:           m.OrderID,
		MessageID:         m.ID,
		SenderID:          m.SenderID,
		SenderName:        m.SenderName,
		MessageType:       m.MessageType,
		Message:           m.Text,
		ImageURL:          m.ImageURL,
		ImageThumbnailURL: m.ImageThumbnailURL,
		CreatedAt:         m.CreatedAt.UTC(),
	}
}

func NewPong() PongEvent {
	return PongEvent{Type: EventPong}
}

func NewError(message string) ErrorEvent {
	return ErrorEvent{Type: EventError, Message: message}
}

// DecodeEvent parses a server event. Unknown types come back as UnrecognizedEvent.
func DecodeEvent(data []byte) (Event, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var target Event
	switch head.Type {
	case EventAuthSuccess:
		target = &AuthSuccessEvent{}
	case EventAuthError:
		target = &AuthErrorEvent{}
	case EventSubscribedAssignments:
		target = &SubscribedAssignmentsEvent{}
	case EventUnsubscribedAssignments:
		target = &UnsubscribedAssignmentsEvent{}
	case EventJoinedOrderChat:
		target = &JoinedOrderChatEvent{}
	case EventNewAssignment:
		target = &NewAssignmentEvent{}
	case EventAssignmentExpired:
		target = &AssignmentExpiredEvent{}
	case EventOrderStatusUpdate:
		target = &OrderStatusUpdateEvent{}
	case EventChatMessage:
		target = &ChatMessageEvent{}
	case EventPong:
		return PongEvent{Type: EventPong}, nil
	case EventError:
		target = &ErrorEvent{}
	default:
		return UnrecognizedEvent{Type: head.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return deref(target), nil
}

// deref hands callers value types so type switches match the constructors
func deref(e Event) Event {
	switch v := e.(type) {
	case *AuthSuccessEvent:
		return *v
	case *AuthErrorEvent:
		return *v
	case *SubscribedAssignmentsEvent:
		return *v
	case *UnsubscribedAssignmentsEvent:
		return *v
	case *JoinedOrderChatEvent:
		return *v
	case *NewAssignmentEvent:
		return *v
	case *AssignmentExpiredEvent:
		return *v
	case *OrderStatusUpdateEvent:
		return *v
	case *ChatMessageEvent:
		return *v
	case *ErrorEvent:
		return *v
	}
	return e
}
