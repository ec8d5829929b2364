package protocol

import "errors"

var (
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrInvalidOrderID   = errors.New("orderId must be an integer")
	ErrUnknownFrameType = errors.New("unknown frame type")
)
