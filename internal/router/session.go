package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pushhub/internal/logging"
	"pushhub/internal/metrics"
	"pushhub/pkg/interfaces"
	"pushhub/pkg/protocol"
	"pushhub/pkg/types"
)

// connection lifecycle: unauthenticated -> authenticated -> closed.
// Only authenticated carries an actor id.
type state interface {
	name() string
}

type unauthenticated struct{}

type authenticated struct {
	actor types.ActorID
}

type closed struct{}

func (unauthenticated) name() string { return "unauthenticated" }
func (authenticated) name() string   { return "authenticated" }
func (closed) name() string          { return "closed" }

// Session is the protocol state machine of one connection. Frames are
// handled one at a time in arrival order.
type Session struct {
	router *Router
	conn   interfaces.Connection

	mu           sync.Mutex
	state        state
	teardownOnce sync.Once
	logger       zerolog.Logger
}

var _ interfaces.ConnectionSession = (*Session)(nil)

// Actor returns the authenticated actor, if any
func (s *Session) Actor() (types.ActorID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.state.(authenticated); ok {
		return a.actor, true
	}
	return 0, false
}

// HandleFrame decodes and dispatches one frame. A panic in a handler is
// logged and answered with an error frame; the connection stays up.
func (s *Session) HandleFrame(ctx context.Context, data []byte) (closeAfter bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, done := s.state.(closed); done {
		return true
	}

	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		s.logger.Warn().Err(err).Int("bytes", len(data)).Msg("malformed frame ignored")
		metrics.GetMetrics().FramesReceived.WithLabelValues("malformed").Inc()
		return false
	}

	label := frame.FrameType()
	if _, ok := frame.(protocol.UnrecognizedFrame); ok {
		label = "unrecognized"
	}
	stats := metrics.GetMetrics()
	stats.FramesReceived.WithLabelValues(label).Inc()
	start := time.Now()
	defer func() {
		stats.FrameDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}()

	defer func() {
		if rec := recover(); rec != nil {
			stats.HandlerPanics.Inc()
			s.logger.Error().
				Str("frame", label).
				Str("panic", fmt.Sprint(rec)).
				Msg("frame handler panicked")
			s.send(protocol.NewError(ErrInternal.Error()))
			closeAfter = false
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.router.cfg.FrameTimeout)
	defer cancel()
	ctx = logging.WithContext(ctx, s.logger)

	switch st := s.state.(type) {
	case unauthenticated:
		return s.handleUnauthenticated(ctx, frame)
	case authenticated:
		if err := s.handleAuthenticated(ctx, st.actor, frame); err != nil {
			s.reportError(frame, err)
		}
	}
	return false
}

func (s *Session) handleUnauthenticated(ctx context.Context, frame protocol.Frame) bool {
	f, ok := frame.(protocol.AuthFrame)
	if !ok {
		s.send(protocol.NewError(ErrAuthenticationRequired.Error()))
		return false
	}

	actor, err := s.router.identity.ResolveToken(ctx, f.Token)
	if err != nil {
		if !errors.Is(err, interfaces.ErrInvalidCredential) {
			s.logger.Error().Err(err).Msg("token resolution failed")
		} else {
			s.logger.Info().Err(err).Msg("authentication rejected")
		}
		s.send(protocol.NewAuthError(ErrInvalidToken.Error()))
		s.state = closed{}
		return true
	}

	if err := s.router.claim(actor, s.conn); err != nil {
		s.logger.Error().Err(err).Str("actor_id", actor.String()).Msg("registration failed")
		s.send(protocol.NewAuthError(ErrInvalidToken.Error()))
		s.state = closed{}
		return true
	}

	s.state = authenticated{actor: actor}
	s.logger = s.logger.With().Str("actor_id", actor.String()).Logger()
	s.logger.Info().Msg("authenticated")
	s.send(protocol.NewAuthSuccess())
	return false
}

func (s *Session) handleAuthenticated(ctx context.Context, actor types.ActorID, frame protocol.Frame) error {
	r := s.router

	switch f := frame.(type) {
	case protocol.AuthFrame:
		return ErrAlreadyAuthenticated

	case protocol.PingFrame:
		r.subs.Heartbeat(actor)
		s.send(protocol.NewPong())

	case protocol.SubscribeAssignmentsFrame:
		tech, err := r.identity.TechnicianByActor(ctx, actor)
		if errors.Is(err, interfaces.ErrNotTechnician) {
			return ErrNotTechnician
		}
		if err != nil {
			return fmt.Errorf("technician lookup: %w", err)
		}
		r.subs.Subscribe(actor, tech.ID, tech.OnShift)
		s.logger.Info().Int64("technician_id", tech.ID).Bool("on_shift", tech.OnShift).Msg("subscribed to assignments")
		s.send(protocol.NewSubscribedAssignments())

	case protocol.UnsubscribeAssignmentsFrame:
		if r.subs.Unsubscribe(actor) {
			s.logger.Info().Msg("unsubscribed from assignments")
			s.send(protocol.NewUnsubscribedAssignments())
		}

	case protocol.JoinOrderChatFrame:
		if _, err := r.authorizeOrder(ctx, actor, f.OrderID); err != nil {
			return err
		}
		r.rooms.Join(f.OrderID, actor)
		s.logger.Debug().Int64("order_id", f.OrderID).Msg("joined order chat")
		s.send(protocol.NewJoinedOrderChat(f.OrderID))

	case protocol.LeaveOrderChatFrame:
		if f.OrderID > 0 {
			r.rooms.Leave(f.OrderID, actor)
			s.logger.Debug().Int64("order_id", f.OrderID).Msg("left order chat")
		}

	case protocol.ChatMessageFrame:
		msg := &types.ChatMessage{
			OrderID:           f.OrderID,
			MessageType:       f.MessageType,
			Text:              f.Message,
			ImageURL:          f.ImageURL,
			ImageThumbnailURL: f.ImageThumbnailURL,
		}
		if _, err := r.PostChatMessage(ctx, actor, msg); err != nil {
			return err
		}

	case protocol.UnrecognizedFrame:
		s.logger.Warn().Str("type", f.Type).Msg("unknown frame type")
		return ErrUnknownFrameType

	default:
		return ErrUnknownFrameType
	}
	return nil
}

// clientErrors may be shown to the client verbatim
var clientErrors = []error{
	ErrAlreadyAuthenticated,
	ErrNotTechnician,
	ErrOrderIDRequired,
	ErrOrderNotFound,
	ErrAccessDenied,
	ErrMessageRequired,
	ErrRateLimitExceeded,
	ErrUnknownFrameType,
	types.ErrInvalidMessageType,
	types.ErrMessageTooLong,
	types.ErrInvalidURL,
}

func (s *Session) reportError(frame protocol.Frame, err error) {
	for _, known := range clientErrors {
		if errors.Is(err, known) {
			s.logger.Debug().Str("frame", frame.FrameType()).Err(err).Msg("frame rejected")
			s.send(protocol.NewError(known.Error()))
			return
		}
	}
	s.logger.Error().Str("frame", frame.FrameType()).Err(err).Msg("frame failed")
	s.send(protocol.NewError(ErrInternal.Error()))
}

// send replies on this session's own connection
func (s *Session) send(event protocol.Event) {
	err := s.conn.WriteJSON(event)
	metrics.GetMetrics().EventsSent.WithLabelValues(event.EventType(), metrics.DeliveryResult(err == nil)).Inc()
	if err != nil {
		s.logger.Debug().Err(err).Str("event", event.EventType()).Msg("reply not delivered")
	}
}

// Teardown releases the actor's registry entry, subscription and room
// memberships. It runs once; later frames are refused.
func (s *Session) Teardown() {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		prev := s.state
		s.state = closed{}
		s.mu.Unlock()

		a, ok := prev.(authenticated)
		if !ok {
			return
		}
		if s.router.release(a.actor, s.conn) {
			s.logger.Info().Msg("connection released")
		} else {
			s.logger.Debug().Msg("connection superseded, shared state kept")
		}
	})
}
