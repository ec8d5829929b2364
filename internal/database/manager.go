package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"pushhub/internal/logging"
	"pushhub/internal/metrics"
	dbconfig "pushhub/pkg/database"
	"pushhub/pkg/interfaces"
	"pushhub/pkg/types"
)

var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrWriteTimeout  = errors.New("write operation timeout")
)

const writeTimeout = 30 * time.Second

// Manager is the sqlite-backed identity lookup and chat store.
// Reads run concurrently on the pool; every write goes through one goroutine.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
	retryDelay   time.Duration
	logger       zerolog.Logger
}

var (
	_ interfaces.ChatStore = (*Manager)(nil)
)

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database, applies migrations and starts the writer
func NewManager(config *dbconfig.Config) (*Manager, error) {
	db, err := dbconfig.Open(config)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	migrations := dbconfig.NewMigrationManager(db)
	if err := migrations.ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.ValidateSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	m := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, config.WriteQueueSize),
		shutdown:     make(chan struct{}),
		retryDelay:   5 * time.Second,
		logger:       logging.Component("database"),
	}

	m.wg.Add(1)
	go m.writeLoop()

	return m, nil
}

// writeLoop runs every write; a busy or locked write is retried once after retryDelay
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	stats := metrics.GetMetrics()
	for {
		select {
		case op := <-m.writeChannel:
			start := time.Now()
			err := op.operation(m.db)
			if err != nil && isTransient(err) {
				m.logger.Warn().Err(err).Dur("retry_in", m.retryDelay).Msg("database write failed, retrying")
				select {
				case <-time.After(m.retryDelay):
					err = op.operation(m.db)
				case <-m.shutdown:
				}
			}
			if err != nil {
				stats.DBWriteErrors.Inc()
				m.logger.Error().Err(err).Msg("database write failed")
			}
			stats.DBWriteDuration.Observe(time.Since(start).Seconds())
			op.result <- err

		case <-m.shutdown:
			m.logger.Debug().Msg("database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write and waits for the writer's result
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrManagerClosed
	}

	result := make(chan error, 1)
	timer := time.NewTimer(writeTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// StoreChatMessage inserts the row and fills in ID and CreatedAt
func (m *Manager) StoreChatMessage(ctx context.Context, msg *types.ChatMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.MessageType == "" {
		msg.MessageType = types.ChatMessageTypeText
	}

	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			INSERT INTO chat_messages
				(order_id, sender_id, message_type, message_text, image_url, image_thumbnail_url, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			msg.OrderID,
			int64(msg.SenderID),
			msg.MessageType,
			nullString(msg.Text),
			nullString(msg.ImageURL),
			nullString(msg.ImageThumbnailURL),
			msg.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert chat message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read chat message id: %w", err)
		}
		msg.ID = id
		return nil
	})
	if err == nil {
		metrics.GetMetrics().ChatMessagesStored.Inc()
	}
	return err
}

// ChatHistory returns messages with id > afterID, oldest first. The sender
// name is joined in so REST pollers see the same shape as live events.
func (m *Manager) ChatHistory(ctx context.Context, orderID int64, afterID int64, limit int) ([]*types.ChatMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT cm.id, cm.order_id, cm.sender_id, COALESCE(u.name, ''), cm.message_type,
		       cm.message_text, cm.image_url, cm.image_thumbnail_url, cm.created_at
		FROM chat_messages cm
		LEFT JOIN users u ON u.id = cm.sender_id
		WHERE cm.order_id = ? AND cm.id > ?
		ORDER BY cm.id ASC
		LIMIT ?
	`, orderID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*types.ChatMessage
	for rows.Next() {
		var (
			msg                    types.ChatMessage
			sender                 int64
			text, image, thumbnail sql.NullString
		)
		if err := rows.Scan(
			&msg.ID,
			&msg.OrderID,
			&sender,
			&msg.SenderName,
			&msg.MessageType,
			&text,
			&image,
			&thumbnail,
			&msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan chat message row: %w", err)
		}
		msg.SenderID = types.ActorID(sender)
		msg.Text = text.String
		msg.ImageURL = image.String
		msg.ImageThumbnailURL = thumbnail.String
		if msg.SenderName == "" {
			msg.SenderName = types.UnknownSenderName
		}
		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chat message rows: %w", err)
	}
	return messages, nil
}

// TechnicianByActor returns the technician profile owned by actor
func (m *Manager) TechnicianByActor(ctx context.Context, actor types.ActorID) (*types.Technician, error) {
	var (
		tech    types.Technician
		userID  int64
		onShift int
	)
	err := m.db.QueryRowContext(ctx,
		`SELECT id, user_id, status, is_on_shift FROM masters WHERE user_id = ?`,
		int64(actor),
	).Scan(&tech.ID, &userID, &tech.Status, &onShift)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotTechnician
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query technician: %w", err)
	}
	tech.ActorID = types.ActorID(userID)
	tech.OnShift = onShift != 0
	return &tech, nil
}

// ActorForTechnician maps masters.id to its user id
func (m *Manager) ActorForTechnician(ctx context.Context, technicianID int64) (types.ActorID, error) {
	var userID int64
	err := m.db.QueryRowContext(ctx,
		`SELECT user_id FROM masters WHERE id = ?`, technicianID,
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, interfaces.ErrTechnicianNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query technician: %w", err)
	}
	return types.ActorID(userID), nil
}

// OrderParticipants resolves the client and assigned technician user ids of an order
func (m *Manager) OrderParticipants(ctx context.Context, orderID int64) (*types.OrderParticipants, error) {
	var (
		p          = types.OrderParticipants{OrderID: orderID}
		clientUser sql.NullInt64
		masterUser sql.NullInt64
	)
	err := m.db.QueryRowContext(ctx, `
		SELECT o.status, c.user_id, ms.user_id
		FROM orders o
		LEFT JOIN clients c ON c.id = o.client_id
		LEFT JOIN masters ms ON ms.id = o.assigned_master_id
		WHERE o.id = ?
	`, orderID).Scan(&p.Status, &clientUser, &masterUser)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query order: %w", err)
	}
	p.ClientActorID = types.ActorID(clientUser.Int64)
	p.TechnicianActorID = types.ActorID(masterUser.Int64)
	return &p, nil
}

// UserName returns users.name for actor
func (m *Manager) UserName(ctx context.Context, actor types.ActorID) (string, error) {
	var name string
	err := m.db.QueryRowContext(ctx, `SELECT name FROM users WHERE id = ?`, int64(actor)).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", interfaces.ErrActorNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query user: %w", err)
	}
	return name, nil
}

// SetOrderStatus mirrors a status change pushed by the order service
func (m *Manager) SetOrderStatus(ctx context.Context, orderID int64, status string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `UPDATE orders SET status = ? WHERE id = ?`, status, orderID)
		if err != nil {
			return fmt.Errorf("failed to update order status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return interfaces.ErrOrderNotFound
		}
		return nil
	})
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chat_messages LIMIT 1").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close stops the writer and closes the pool
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	return m.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// busy and locked are the only sqlite failures worth retrying
func isTransient(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
