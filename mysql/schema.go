package mysql

import "fmt"

const schemaTemplate = `CREATE TABLE IF NOT EXISTS %s (
	id BINARY(16) NOT NULL,
	event_type VARCHAR(128) NOT NULL,
	created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
	run_time TIMESTAMP(6) NOT NULL,
	payload %s NOT NULL,
	attempts INT NOT NULL DEFAULT 0,
	fail_reason VARCHAR(1024) NULL,
	lock_key VARCHAR(255) NULL,
	status VARCHAR(16) NOT NULL DEFAULT 'ENABLED',
	PRIMARY KEY (id),
	INDEX idx_type_status_run_time (event_type, status, run_time)
);`

const (
	payloadJSON   = "JSON"
	payloadBinary = "LONGBLOB"
)

// Schema returns the DDL for an outbox table with a JSON payload column.
func Schema(table string) (string, error) {
	return buildSchema(table, payloadJSON)
}

// SchemaBinary returns the DDL for an outbox table with a LONGBLOB payload column.
func SchemaBinary(table string) (string, error) {
	return buildSchema(table, payloadBinary)
}

func buildSchema(table, payloadType string) (string, error) {
	name, err := sanitizeTableName(table)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(schemaTemplate, name, payloadType), nil
}
