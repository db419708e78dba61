package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Request is the JSON shape clients send over their channel.
type Request struct {
	Type  string          `json:"type"`
	Key   json.RawMessage `json:"key"`
	Time  json.RawMessage `json:"time,omitempty"`
	Data  map[string]any  `json:"data,omitempty"`
	Field string          `json:"field,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// ValidationError reports a malformed or unrecognized request.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid request: %s", e.Reason)
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is, or wraps, a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ParseRequest decodes one wire request and converts it into an Action issued
// by clientID at the given data version. The request time is used as IssuedAt;
// when absent the current time is used.
func ParseRequest(raw []byte, clientID string, version int64) (Action, error) {
	var req Request
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&req); err != nil {
		return nil, invalid("", "malformed JSON: %v", err)
	}
	return req.ToAction(clientID, version, time.Now())
}

// ToAction validates the request and builds the matching Action. now is used
// when the request carries no time.
func (r *Request) ToAction(clientID string, version int64, now time.Time) (Action, error) {
	if clientID == "" {
		return nil, invalid("client", "client id is required")
	}

	key, err := parseKey(r.Key)
	if err != nil {
		return nil, err
	}

	issuedAt, err := parseTime(r.Time, now)
	if err != nil {
		return nil, err
	}

	meta := Meta{
		Key:            key,
		ClientID:       clientID,
		RequestVersion: version,
		IssuedAt:       issuedAt,
	}

	switch Kind(r.Type) {
	case KindCreate:
		if r.Data == nil {
			return nil, invalid("data", "add requires a data object")
		}
		payload := Payload(r.Data)
		if err := payload.Validate(); err != nil {
			return nil, invalid("data", "%v", err)
		}
		return Create{Meta: meta, Payload: payload.Clone()}, nil

	case KindDelete:
		return Delete{Meta: meta}, nil

	case KindEdit:
		if r.Field == "" {
			return nil, invalid("field", "edit requires a field name")
		}
		if len(r.Value) == 0 {
			return nil, invalid("value", "edit requires a value")
		}
		var value any
		if err := json.Unmarshal(r.Value, &value); err != nil {
			return nil, invalid("value", "malformed value: %v", err)
		}
		return Edit{Meta: meta, Field: r.Field, Value: value}, nil

	case "":
		return nil, invalid("type", "type is required")

	default:
		return nil, invalid("type", "unknown action type %q", r.Type)
	}
}

// parseKey accepts a JSON string or number. Numbers are kept in their
// literal form so 7 and "7" address the same record.
func parseKey(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", invalid("key", "key is required")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", invalid("key", "key must not be empty")
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", invalid("key", "key must be a string or number")
}

// parseTime accepts RFC 3339 strings and epoch milliseconds, the format
// browsers produce with Date.now().
func parseTime(raw json.RawMessage, now time.Time) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return now, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, nil
		}
		if ms, err := strconv.ParseFloat(s, 64); err == nil {
			return time.UnixMilli(int64(ms)), nil
		}
		return time.Time{}, invalid("time", "unrecognized time %q", s)
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return time.UnixMilli(int64(ms)), nil
	}
	return time.Time{}, invalid("time", "time must be a string or number")
}
