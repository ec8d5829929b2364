package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks column layout of the tables the hub reads and writes
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

var expectedColumns = map[string]map[string]string{
	"users": {
		"id":   "INTEGER",
		"name": "TEXT",
	},
	"masters": {
		"id":          "INTEGER",
		"user_id":     "INTEGER",
		"status":      "TEXT",
		"is_on_shift": "INTEGER",
	},
	"orders": {
		"id":                 "INTEGER",
		"client_id":          "INTEGER",
		"assigned_master_id": "INTEGER",
		"status":             "TEXT",
	},
	"chat_messages": {
		"id":                  "INTEGER",
		"order_id":            "INTEGER",
		"sender_id":           "INTEGER",
		"message_type":        "TEXT",
		"message_text":        "TEXT",
		"image_url":           "TEXT",
		"image_thumbnail_url": "TEXT",
		"created_at":          "DATETIME",
	},
}

// ValidateTableStructure verifies column names and declared types
func (v *SchemaValidator) ValidateTableStructure() error {
	for table, columns := range expectedColumns {
		if err := v.validateColumns(table, columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

// ValidateConstraints verifies the message_type check constraint is enforced
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.Exec(`
		INSERT INTO chat_messages (order_id, sender_id, message_type, created_at)
		VALUES (0, 0, 'video', CURRENT_TIMESTAMP)
	`)
	if err == nil {
		return fmt.Errorf("check constraint not enforced: chat_messages.message_type")
	}
	return nil
}

func (v *SchemaValidator) validateColumns(tableName string, expected map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() {
		_ = rows.Close()
	}()

	found := make(map[string]string)
	for rows.Next() {
		var (
			cid          int
			name         string
			dataType     string
			notNull      int
			defaultValue interface{}
			pk           int
		)
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for col, wantType := range expected {
		gotType, ok := found[col]
		if !ok {
			return fmt.Errorf("column %s not found", col)
		}
		if gotType != wantType {
			return fmt.Errorf("column %s has type %s, expected %s", col, gotType, wantType)
		}
	}
	return nil
}
