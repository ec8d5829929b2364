package types

import (
	"strconv"
	"time"
)

// ActorID identifies an authenticated user (technician or client).
// Zero is never a valid actor.
type ActorID int64

func (a ActorID) String() string {
	return strconv.FormatInt(int64(a), 10)
}

// Valid reports whether the id can refer to a real actor
func (a ActorID) Valid() bool {
	return a > 0
}

// Message kinds accepted in chat_message frames
const (
	ChatMessageTypeText  = "text"
	ChatMessageTypeImage = "image"
)

// UnknownSenderName is used when the sender row cannot be found
const UnknownSenderName = "Unknown"

// Technician is the role-specific view of an actor who takes repair jobs.
// OnShift is read once at subscribe time and not kept live.
type Technician struct {
	ID      int64   `json:"id"`
	ActorID ActorID `json:"user_id"`
	Status  string  `json:"status"`
	OnShift bool    `json:"on_shift"`
}

// OrderParticipants holds the two actors allowed into an order's chat.
// A zero actor means the order has no such participant (e.g. no technician assigned yet).
type OrderParticipants struct {
	OrderID           int64   `json:"order_id"`
	Status            string  `json:"status"`
	ClientActorID     ActorID `json:"client_user_id"`
	TechnicianActorID ActorID `json:"master_user_id"`
}

// HasAccess reports whether actor is the order's client or its assigned technician
func (o *OrderParticipants) HasAccess(actor ActorID) bool {
	if o == nil || !actor.Valid() {
		return false
	}
	return actor == o.ClientActorID || actor == o.TechnicianActorID
}

// Recipients returns the participant actors that exist, without duplicates
func (o *OrderParticipants) Recipients() []ActorID {
	var out []ActorID
	if o.ClientActorID.Valid() {
		out = append(out, o.ClientActorID)
	}
	if o.TechnicianActorID.Valid() && o.TechnicianActorID != o.ClientActorID {
		out = append(out, o.TechnicianActorID)
	}
	return out
}

// Assignment is the job offer pushed to a technician in a new_assignment event
type Assignment struct {
	ID                 int64    `json:"id"`
	OrderID            int64    `json:"order_id"`
	DeviceType         string   `json:"device_type,omitempty"`
	Address            string   `json:"address,omitempty"`
	ProblemDescription string   `json:"problem_description,omitempty"`
	ExpiresAt          string   `json:"expires_at,omitempty"`
	AttemptNumber      int      `json:"attempt_number,omitempty"`
	Latitude           *float64 `json:"latitude,omitempty"`
	Longitude          *float64 `json:"longitude,omitempty"`
}

// ChatMessage is one persisted row of an order's chat log
type ChatMessage struct {
	ID                int64     `json:"id"`
	OrderID           int64     `json:"order_id"`
	SenderID          ActorID   `json:"sender_id"`
	SenderName        string    `json:"sender_name,omitempty"`
	MessageType       string    `json:"message_type"`
	Text              string    `json:"message,omitempty"`
	ImageURL          string    `json:"image_url,omitempty"`
	ImageThumbnailURL string    `json:"image_thumbnail_url,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// SubscriptionRecord is the liveness record of one technician subscribed to assignment pushes
type SubscriptionRecord struct {
	Subscribed    bool      `json:"subscribed"`
	LastHeartbeat time.Time `json:"last_ping"`
	TechnicianID  int64     `json:"master_id"`
	OnShift       bool      `json:"on_shift"`
}

// SubscriptionEntry pairs a record with the actor it belongs to
type SubscriptionEntry struct {
	ActorID ActorID `json:"user_id"`
	SubscriptionRecord
	IsActive bool `json:"is_active"`
}

// SubscriptionStats summarises the subscription table for diagnostics
type SubscriptionStats struct {
	TotalSubscribed      int                 `json:"total_subscribed"`
	ActiveSubscriptions  int                 `json:"active_subscriptions"`
	OnShiftSubscriptions int                 `json:"on_shift_subscriptions"`
	Subscriptions        []SubscriptionEntry `json:"subscriptions"`
}
