// ABOUTME: Inbound chat payload and its lenient JSON parser
// ABOUTME: Accepts case-insensitive keys, the "query" alias and base64-wrapped queue bodies

package relay

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedPayload is returned when a body is not a JSON object.
var ErrMalformedPayload = errors.New("malformed payload")

// Payload is one inbound chat request.
type Payload struct {
	Message       string
	SessionID     string
	CorrelationID string
	ThreadID      string // queue callers name their conversation by thread id
	UserID        string
	AgentID       string

	Transport string // store.TransportHTTP or store.TransportQueue, set by the transport
}

// SessionKey is the key the conversation is cached under: the session id, or
// the caller's thread id when no session id was given.
func (p Payload) SessionKey() string {
	if p.SessionID != "" {
		return p.SessionID
	}
	return p.ThreadID
}

// field aliases, lower-cased
var payloadFields = map[string]func(p *Payload) *string{
	"message":       func(p *Payload) *string { return &p.Message },
	"query":         func(p *Payload) *string { return &p.Message },
	"sessionid":     func(p *Payload) *string { return &p.SessionID },
	"session_id":    func(p *Payload) *string { return &p.SessionID },
	"correlationid": func(p *Payload) *string { return &p.CorrelationID },
	"threadid":      func(p *Payload) *string { return &p.ThreadID },
	"thread_id":     func(p *Payload) *string { return &p.ThreadID },
	"userid":        func(p *Payload) *string { return &p.UserID },
	"agentid":       func(p *Payload) *string { return &p.AgentID },
	"agent_id":      func(p *Payload) *string { return &p.AgentID },
}

// ParsePayload decodes a JSON object into a Payload. Unknown keys are
// ignored. "message" wins over "query" when both are present. A body that is
// base64 of a JSON object is decoded first.
func ParsePayload(data []byte) (Payload, error) {
	var p Payload

	body := bytes.TrimSpace(data)
	if len(body) > 0 && body[0] != '{' {
		decoded, err := base64.StdEncoding.DecodeString(string(body))
		if err != nil {
			return p, fmt.Errorf("%w: not a JSON object", ErrMalformedPayload)
		}
		body = bytes.TrimSpace(decoded)
	}
	if len(body) == 0 {
		return p, fmt.Errorf("%w: empty body", ErrMalformedPayload)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return p, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}

	var query string
	for key, value := range raw {
		lower := strings.ToLower(key)
		target, ok := payloadFields[lower]
		if !ok {
			continue
		}
		s, err := stringValue(value)
		if err != nil {
			return p, fmt.Errorf("%w: field %q: %w", ErrMalformedPayload, key, err)
		}
		if lower == "query" {
			query = s
			continue
		}
		*target(&p) = s
	}
	if p.Message == "" {
		p.Message = query
	}

	return p, nil
}

// stringValue accepts JSON strings, numbers and null.
func stringValue(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
		return "", nil
	case raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case raw[0] == '-' || (raw[0] >= '0' && raw[0] <= '9'):
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", err
		}
		return n.String(), nil
	default:
		return "", errors.New("must be a string")
	}
}
