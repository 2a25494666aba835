package storage

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DatabaseType
type DatabaseType string

const (
	// MySQL
	MySQL DatabaseType = "mysql"
	// PostgreSQL
	PostgreSQL DatabaseType = "postgresql"
)

// messageTable holds one row per processed message
const messageTable = "bridge_messages"

// messageColumns in insert order, see entryRow
var messageColumns = []string{"message_id", "device_name", "topic", "received_at", "fields", "document", "status", "error", "raw"}

const (
	statusPublished = "published"
	statusRejected  = "rejected"
)

// DatabaseStorage
type DatabaseStorage interface {
	StorageBackend
	// InitDatabase
	InitDatabase() error
}

// NewDatabaseStorage
func NewDatabaseStorage(dbType string, dsn string) (DatabaseStorage, error) {
	switch DatabaseType(dbType) {
	case MySQL:
		return NewMySQLStorage(dsn)
	case PostgreSQL:
		return NewPostgreSQLStorage(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

// entryRow flattens an entry into the values of messageColumns.
// document is NULL for rejected messages.
func entryRow(entry Entry) ([]interface{}, error) {
	fields := entry.Fields
	if fields == nil {
		fields = []string{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("serialize fields failed: %w", err)
	}

	var document interface{}
	if len(entry.Document) > 0 {
		document = string(entry.Document)
	}

	status := statusPublished
	if entry.Rejected() {
		status = statusRejected
	}

	return []interface{}{
		entry.MessageID,
		entry.DeviceName,
		entry.Topic,
		entry.ReceivedAt.UTC(),
		string(fieldsJSON),
		document,
		status,
		entry.Error,
		string(entry.Raw),
	}, nil
}

// insertSQL builds the insert statement; placeholder maps a 1-based column position to its marker
func insertSQL(placeholder func(i int) string) string {
	markers := make([]string, len(messageColumns))
	for i := range messageColumns {
		markers[i] = placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		messageTable, strings.Join(messageColumns, ", "), strings.Join(markers, ", "))
}
