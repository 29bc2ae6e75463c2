package postgres

import (
	"fmt"
	"strings"
)

// maxIdentifierLength is NAMEDATALEN-1; longer identifiers are silently truncated by Postgres.
const maxIdentifierLength = 63

// sanitizeTableName accepts "table" or "schema.table". Each part must be a valid unquoted
// identifier: ASCII letters, digits and underscores, not starting with a digit.
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
	if part == "" || len(part) > maxIdentifierLength || (part[0] >= '0' && part[0] <= '9') {
		return false
	}

	for _, r := range part {
		switch {
		case r == '_', r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		default:
			return false
		}
	}

	return true
}
