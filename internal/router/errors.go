package router

import "errors"

// Errors whose text is sent to the client in an error frame
var (
	ErrAuthenticationRequired = errors.New("Authentication required")
	ErrAlreadyAuthenticated   = errors.New("Already authenticated")
	ErrInvalidToken           = errors.New("Invalid token")
	ErrNotTechnician          = errors.New("Only technicians can subscribe to assignments")
	ErrOrderIDRequired        = errors.New("Order ID required")
	ErrOrderNotFound          = errors.New("Order not found")
	ErrAccessDenied           = errors.New("Access denied to this order")
	ErrMessageRequired        = errors.New("Message text or image required")
	ErrRateLimitExceeded      = errors.New("Rate limit exceeded")
	ErrUnknownFrameType       = errors.New("Unknown message type")
	ErrInternal               = errors.New("Internal server error")
)
