package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewEvaluationID generates a UUIDv7 evaluation identifier.
// Time-ordered IDs keep audit inserts clustered in B-tree pages.
// Panics on clock regression (uuid.Must); acceptable for ID generation.
func NewEvaluationID() EvaluationID {
	return EvaluationID(uuid.Must(uuid.NewV7()).String())
}

// ParseEvaluationID validates and converts a string to EvaluationID.
func ParseEvaluationID(s string) (EvaluationID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", err
	}
	return EvaluationID(s), nil
}

// EvaluationIDTime extracts the timestamp embedded in a UUIDv7 ID.
// Returns zero time for invalid UUIDs; caller should check IsZero().
func EvaluationIDTime(id EvaluationID) time.Time {
	u, err := uuid.Parse(string(id))
	if err != nil {
		return time.Time{}
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec)
}

// ParseInt64 accepts the id encodings found in authored documents: JSON
// numbers, numeric strings and float64 values produced by encoding/json.
func ParseInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, false
		}
		return id, true
	case fmt.Stringer:
		return ParseInt64(n.String())
	default:
		return 0, false
	}
}

// unmarshalID decodes an identifier written either as a JSON number or as a
// numeric string. Empty strings and null decode to zero.
func unmarshalID(data []byte) (int64, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return 0, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return 0, err
	}
	if s, ok := raw.(string); ok && strings.TrimSpace(s) == "" {
		return 0, nil
	}
	id, ok := ParseInt64(raw)
	if !ok {
		return 0, fmt.Errorf("invalid identifier %s", string(data))
	}
	return id, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *StageID) UnmarshalJSON(data []byte) error {
	v, err := unmarshalID(data)
	*id = StageID(v)
	return err
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *CaseID) UnmarshalJSON(data []byte) error {
	v, err := unmarshalID(data)
	*id = CaseID(v)
	return err
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ConditionID) UnmarshalJSON(data []byte) error {
	v, err := unmarshalID(data)
	*id = ConditionID(v)
	return err
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ActionDefinitionID) UnmarshalJSON(data []byte) error {
	v, err := unmarshalID(data)
	*id = ActionDefinitionID(v)
	return err
}
