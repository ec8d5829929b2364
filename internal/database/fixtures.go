package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Fixtures mirrors the slice of marketplace data the hub reads:
// users, client and technician profiles, and orders.
type Fixtures struct {
	Users []struct {
		ID   int64  `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"users"`
	Clients []struct {
		ID     int64 `yaml:"id"`
		UserID int64 `yaml:"user_id"`
	} `yaml:"clients"`
	Technicians []struct {
		ID      int64  `yaml:"id"`
		UserID  int64  `yaml:"user_id"`
		Status  string `yaml:"status"`
		OnShift bool   `yaml:"on_shift"`
	} `yaml:"technicians"`
	Orders []struct {
		ID         int64  `yaml:"id"`
		ClientID   int64  `yaml:"client_id"`
		AssignedTo int64  `yaml:"assigned_technician_id"`
		Status     string `yaml:"status"`
	} `yaml:"orders"`
}

// LoadFixtures parses a YAML fixture file
func LoadFixtures(path string) (*Fixtures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixtures: %w", err)
	}
	var f Fixtures
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse fixtures: %w", err)
	}
	return &f, nil
}

// ApplyFixtures upserts every row in one transaction on the writer
func (m *Manager) ApplyFixtures(ctx context.Context, f *Fixtures) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, u := range f.Users {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO users (id, name) VALUES (?, ?)
				 ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
				u.ID, u.Name); err != nil {
				return fmt.Errorf("user %d: %w", u.ID, err)
			}
		}
		for _, c := range f.Clients {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO clients (id, user_id) VALUES (?, ?)
				 ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id`,
				c.ID, c.UserID); err != nil {
				return fmt.Errorf("client %d: %w", c.ID, err)
			}
		}
		for _, t := range f.Technicians {
			status := t.Status
			if status == "" {
				status = "available"
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO masters (id, user_id, status, is_on_shift) VALUES (?, ?, ?, ?)
				 ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id,
				 status = excluded.status, is_on_shift = excluded.is_on_shift`,
				t.ID, t.UserID, status, t.OnShift); err != nil {
				return fmt.Errorf("technician %d: %w", t.ID, err)
			}
		}
		for _, o := range f.Orders {
			status := o.Status
			if status == "" {
				status = "new"
			}
			var assigned sql.NullInt64
			if o.AssignedTo > 0 {
				assigned = sql.NullInt64{Int64: o.AssignedTo, Valid: true}
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO orders (id, client_id, assigned_master_id, status) VALUES (?, ?, ?, ?)
				 ON CONFLICT(id) DO UPDATE SET client_id = excluded.client_id,
				 assigned_master_id = excluded.assigned_master_id, status = excluded.status`,
				o.ID, o.ClientID, assigned, status); err != nil {
				return fmt.Errorf("order %d: %w", o.ID, err)
			}
		}

		return tx.Commit()
	})
}
