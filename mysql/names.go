package mysql

import (
	"fmt"
	"strings"
)

// maxIdentifierLength is the MySQL limit for database and table names.
const maxIdentifierLength = 64

// sanitizeTableName accepts "table" or "database.table" built from ASCII letters, digits and
// underscores, so the name can be spliced into statements unquoted.
func sanitizeTableName(name string) (string, error) {
	if name == "" {
		return "", ErrTableNameRequired
	}

	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("%w: %s", ErrInvalidTableName, name)
	}
	for _, part := range parts {
		if !validIdentifier(part) {
			return "", fmt.Errorf("%w: %s", ErrInvalidTableName, name)
		}
	}

	return name, nil
}

func validIdentifier(part string) bool {
	if part == "" || len(part) > maxIdentifierLength {
		return false
	}

	return strings.IndexFunc(part, func(r rune) bool {
		return r != '_' && (r < '0' || r > '9') && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z')
	}) < 0
}
