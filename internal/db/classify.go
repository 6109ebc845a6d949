package db

import (
	"errors"
	"strings"

	"github.com/lib/pq"
)

// hints keyed by SQLSTATE code.
var codeHints = map[string]string{
	"42703": "undefined column: check column names against the current schema",
	"42P01": "undefined relation: a table or view this template needs does not exist yet; check dependency order",
	"42883": "undefined function: a function this template calls has not been applied yet",
	"23505": "unique violation: the statement inserted a duplicate key",
	"23503": "foreign key violation: a referenced row is missing",
	"42601": "syntax error: check the SQL near the reported position",
}

// Hint maps a database error to a short remediation hint. Known SQLSTATE
// codes are matched first; unmapped errors fall back to substring matching
// on the message. No match returns the empty string, which callers treat
// as an absent hint.
func Hint(err error) string {
	if err == nil {
		return ""
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if h, ok := codeHints[string(pqErr.Code)]; ok {
			return h
		}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"):
		return "permission denied: the configured role lacks privileges for this object"
	case strings.Contains(msg, "connection refused"):
		return "connection refused: is the database running and the connection string correct?"
	}
	return ""
}
