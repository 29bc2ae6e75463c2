package postgres

import (
	"fmt"
	"strings"
)

const schemaTemplate = `%sCREATE TABLE IF NOT EXISTS %s (
	id UUID PRIMARY KEY,
	event_type VARCHAR(128) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	run_time TIMESTAMPTZ NOT NULL,
	payload JSONB NOT NULL,
	attempts INT NOT NULL DEFAULT 0,
	fail_reason VARCHAR(1024) NULL,
	lock_key VARCHAR(255) NULL,
	status VARCHAR(16) NOT NULL DEFAULT 'ENABLED'
);
CREATE INDEX IF NOT EXISTS %s_type_status_run_time_idx ON %s (event_type, status, run_time);`

// Schema returns the DDL for an outbox table. A schema-qualified name also creates the schema.
func Schema(table string) (string, error) {
	name, err := sanitizeTableName(table)
	if err != nil {
		return "", err
	}

	prefix := ""
	index := name
	if dot := strings.LastIndex(name, "."); dot >= 0 {
		prefix = fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s;\n", name[:dot])
		index = name[dot+1:]
	}

	return fmt.Sprintf(schemaTemplate, prefix, name, index, name), nil
}
