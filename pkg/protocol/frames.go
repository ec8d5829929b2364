package protocol

import (
	"encoding/json"
	"fmt"
)

// Inbound frame discriminants
const (
	TypeAuth                   = "auth"
	TypePing                   = "ping"
	TypeSubscribeAssignments   = "subscribe_assignments"
	TypeUnsubscribeAssignments = "unsubscribe_assignments"
	TypeJoinOrderChat          = "join_order_chat"
	TypeLeaveOrderChat         = "leave_order_chat"
	TypeChatMessage            = "chat_message"
)

// Frame is the closed set of frames a client can send. Every implementation
// lives in this package; switch on the concrete type to handle one.
type Frame interface {
	FrameType() string
	isFrame()
}

type AuthFrame struct {
	Token string
}

type PingFrame struct{}

type SubscribeAssignmentsFrame struct{}

type UnsubscribeAssignmentsFrame struct{}

type JoinOrderChatFrame struct {
	OrderID int64
}

type LeaveOrderChatFrame struct {
	OrderID int64
}

// ChatMessageFrame carries a new chat line. MessageType defaults to "text".
type ChatMessageFrame struct {
	OrderID           int64
	Message           string
	MessageType       string
	ImageURL          string
	ImageThumbnailURL string
}

// UnrecognizedFrame is a well-formed JSON object whose type is not known
type UnrecognizedFrame struct {
	Type string
}

func (AuthFrame) FrameType() string                   { return TypeAuth }
func (PingFrame) FrameType() string                   { return TypePing }
func (SubscribeAssignmentsFrame) FrameType() string   { return TypeSubscribeAssignments }
func (UnsubscribeAssignmentsFrame) FrameType() string { return TypeUnsubscribeAssignments }
func (JoinOrderChatFrame) FrameType() string          { return TypeJoinOrderChat }
func (LeaveOrderChatFrame) FrameType() string         { return TypeLeaveOrderChat }
func (ChatMessageFrame) FrameType() string            { return TypeChatMessage }
func (f UnrecognizedFrame) FrameType() string         { return f.Type }

func (AuthFrame) isFrame()                   {}
func (PingFrame) isFrame()                   {}
func (SubscribeAssignmentsFrame) isFrame()   {}
func (UnsubscribeAssignmentsFrame) isFrame() {}
func (JoinOrderChatFrame) isFrame()          {}
func (LeaveOrderChatFrame) isFrame()         {}
func (ChatMessageFrame) isFrame()            {}
func (UnrecognizedFrame) isFrame()           {}

// wireFrame is the union of every inbound field
type wireFrame struct {
	Type              string  `json:"type"`
	Token             string  `json:"token"`
	OrderID           OrderID `json:"orderId"`
	Message           string  `json:"message"`
	MessageType       string  `json:"messageType"`
	ImageURL          string  `json:"imageUrl"`
	ImageThumbnailURL string  `json:"imageThumbnailUrl"`
}

// DecodeFrame parses one text message into a typed frame. Only unparseable
// payloads return an error; unknown types decode to UnrecognizedFrame.
func DecodeFrame(data []byte) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch w.Type {
	case TypeAuth:
		return AuthFrame{Token: w.Token}, nil
	case TypePing:
		return PingFrame{}, nil
	case TypeSubscribeAssignments:
		return SubscribeAssignmentsFrame{}, nil
	case TypeUnsubscribeAssignments:
		return UnsubscribeAssignmentsFrame{}, nil
	case TypeJoinOrderChat:
		return JoinOrderChatFrame{OrderID: int64(w.OrderID)}, nil
	case TypeLeaveOrderChat:
		return LeaveOrderChatFrame{OrderID: int64(w.OrderID)}, nil
	case TypeChatMessage:
		messageType := w.MessageType
		if messageType == "" {
			messageType = "text"
		}
		return ChatMessageFrame{
			OrderID:           int64(w.OrderID),
			Message:           w.Message,
			MessageType:       messageType,
			ImageURL:          w.ImageURL,
			ImageThumbnailURL: w.ImageThumbnailURL,
		}, nil
	default:
		return UnrecognizedFrame{Type: w.Type}, nil
	}
}

// EncodeFrame builds the wire form of a frame. Used by the client package and tests.
func EncodeFrame(f Frame) ([]byte, error) {
	w := wireFrame{Type: f.FrameType()}
	switch v := f.(type) {
	case AuthFrame:
		w.Token = v.Token
	case JoinOrderChatFrame:
		w.OrderID = OrderID(v.OrderID)
	case LeaveOrderChatFrame:
		w.OrderID = OrderID(v.OrderID)
	case ChatMessageFrame:
		w.OrderID = OrderID(v.OrderID)
		w.Message = v.Message
		w.MessageType = v.MessageType
		w.ImageURL = v.ImageURL
		w.ImageThumbnailURL = v.ImageThumbnailURL
	case UnrecognizedFrame:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrameType, v.Type)
	}
	return json.Marshal(outboundWire(w))
}

// outboundWire drops empty optional fields when encoding
func outboundWire(w wireFrame) map[string]interface{} {
	m := map[string]interface{}{"type": w.Type}
	if w.Token != "" {
		m["token"] = w.Token
	}
	if w.OrderID != 0 {
		m["orderId"] = int64(w.OrderID)
	}
	if w.Message != "" {
		m["message"] = w.Message
	}
	if w.MessageType != "" {
		m["messageType"] = w.MessageType
	}
	if w.ImageURL != "" {
		m["imageUrl"] = w.ImageURL
	}
	if w.ImageThumbnailURL != "" {
		m["imageThumbnailUrl"] = w.ImageThumbnailURL
	}
	return m
}
