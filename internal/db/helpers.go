// Package db provides SQLite database access for Forge.
package db

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

func stringTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339)
	return &formatted
}

// marshalNullableJSON marshals v to a JSON column value, or returns nil when
// v is a nil map/slice or has zero length: every *_json column in the forge
// schema treats "no data" and "empty collection" the same way, so the column
// stays NULL instead of storing "{}"/"[]".
func marshalNullableJSON(v any) (*string, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice:
		if rv.IsNil() || rv.Len() == 0 {
			return nil, nil
		}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	encoded := string(data)
	return &encoded, nil
}

// parseTimeOrZero parses an RFC 3339 column value, returning the zero Time
// on a malformed or empty string rather than propagating a scan error: the
// columns it's used on are always written by stringTimePtr/time.Format in
// this package, so a parse failure here means corrupt data, not a case the
// caller should branch on.
func parseTimeOrZero(value string) time.Time {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueConstraintError reports whether err is a SQLite UNIQUE constraint
// violation. Kept distinct from CHECK constraint failures, which should
// surface as ordinary errors.
func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
