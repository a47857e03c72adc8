package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator provides database schema validation functionality
// ARCHITECTURAL DISCOVERY: Separate validation component enables testing
// and deployment verification without coupling to migration system
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"users":             "Per-user connection records",
		"conversations":     "Paired conversation records",
		"messages":          "Chat message storage",
		"schema_migrations": "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}
	return nil
}

// ValidateTableStructure verifies table column structure matches expectations
// TECHNICAL DISCOVERY: Column validation ensures type compatibility between
// Go structs and database schema
func (v *SchemaValidator) ValidateTableStructure() error {
	tables := map[string]map[string]string{
		"users": {
			"user_id":        "TEXT",
			"connection_id":  "TEXT",
			"chat_id":        "TEXT",
			"ready":          "INTEGER",
			"waiting":        "INTEGER",
			"waiting_since":  "INTEGER",
			"question_index": "INTEGER",
			"last_seen":      "DATETIME",
			"created_at":     "DATETIME",
		},
		"conversations": {
			"chat_id":              "TEXT",
			"participant_a":        "TEXT",
			"participant_b":        "TEXT",
			"created_at":           "DATETIME",
			"last_message_content": "TEXT",
			"last_message_sent_at": "DATETIME",
			"last_updated":         "DATETIME",
			"ended_by":             "TEXT",
			"end_reason":           "TEXT",
		},
		"messages": {
			"chat_id":    "TEXT",
			"message_id": "TEXT",
			"sender_id":  "TEXT",
			"content":    "TEXT",
			"sent_at":    "INTEGER",
			"queued":     "INTEGER",
		},
	}

	for table, columns := range tables {
		if err := v.validateColumns(table, columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

// ValidateIndexes verifies that all lookup indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_users_connection":            "Disconnect by connection id",
		"idx_users_waiting":               "Matchmaking queue",
		"idx_conversations_participant_a": "Participant index",
		"idx_conversations_participant_b": "Participant index",
		"idx_messages_chat_time":          "History pagination",
		"idx_messages_queued":             "Queued message flush",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

// ValidateConstraints verifies that database constraints are properly enforced
// ARCHITECTURAL DISCOVERY: Probe writes run inside a transaction that is always
// rolled back, so validation never leaves rows behind
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO messages (chat_id, message_id, sender_id, content, sent_at)
		VALUES ('nonexistent', 'probe', 'u1', 'x', 0)
	`); err == nil {
		return fmt.Errorf("foreign key constraint not enforced: messages.chat_id")
	}

	if _, err := tx.Exec(`
		INSERT INTO conversations (chat_id, participant_a, participant_b, created_at, last_updated)
		VALUES ('probe', 'zed', 'amy', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`); err == nil {
		return fmt.Errorf("check constraint not enforced: participant ordering")
	}

	if _, err := tx.Exec(`
		INSERT INTO users (user_id, question_index, last_seen, created_at)
		VALUES ('probe', -1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`); err == nil {
		return fmt.Errorf("check constraint not enforced: question_index >= 0")
	}

	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid, notNull, pk int
		var name, dataType string
		var defaultValue interface{}
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for col, wantType := range expectedColumns {
		gotType, ok := foundColumns[col]
		if !ok {
			return fmt.Errorf("column %s not found", col)
		}
		if gotType != wantType {
			return fmt.Errorf("column %s has type %s, expected %s", col, gotType, wantType)
		}
	}
	return nil
}
