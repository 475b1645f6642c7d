// Package cdpmsg models the three CDP wire shapes (command, response,
// event) and the discrimination rule that tells them apart.
package cdpmsg

import "encoding/json"

// Kind discriminates the three CDP message shapes.
type Kind int

const (
	// KindUnknown is returned when a decoded object matches none of the
	// known shapes (method absent, id absent).
	KindUnknown Kind = iota
	KindCommandRequest
	KindCommandResponse
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindCommandRequest:
		return "request"
	case KindCommandResponse:
		return "response"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// ResponseError is the {code, message, ...} shape carried by a
// CommandResponse on failure.
type ResponseError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Message is a parsed CDP frame. Only the fields relevant to its Kind are
// populated; unknown/extra fields survive in Raw for re-marshaling.
type Message struct {
	Kind      Kind
	ID        int64
	Method    string
	Params    json.RawMessage
	Result    json.RawMessage
	Error     *ResponseError
	SessionID string

	// Raw holds every top-level field from the original decode, including
	// ones Message doesn't model explicitly (e.g. vendor extensions).
	// Mutating Params/Result/etc. does not retroactively update Raw;
	// callers that mutate a Message should use Marshal to re-encode from
	// the modeled fields rather than from Raw directly.
	Raw map[string]json.RawMessage
}

type wireShape struct {
	ID        *int64          `json:"id"`
	Method    *string         `json:"method"`
	Params    json.RawMessage `json:"params"`
	Result    json.RawMessage `json:"result"`
	Error     *ResponseError  `json:"error"`
	SessionID *string         `json:"sessionId"`
}

// Parse decodes a single CDP JSON frame and classifies it per the
// discrimination rule: id present & method absent -> response; id & method
// both present -> request; method present without id -> event.
func Parse(frame []byte) (*Message, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, err
	}

	var w wireShape
	if err := json.Unmarshal(frame, &w); err != nil {
		return nil, err
	}

	m := &Message{Raw: raw}
	if w.Params != nil {
		m.Params = w.Params
	}
	if w.Result != nil {
		m.Result = w.Result
	}
	m.Error = w.Error
	if w.SessionID != nil {
		m.SessionID = *w.SessionID
	}
	if w.Method != nil {
		m.Method = *w.Method
	}
	if w.ID != nil {
		m.ID = *w.ID
	}

	switch {
	case w.ID != nil && w.Method == nil:
		m.Kind = KindCommandResponse
	case w.ID != nil && w.Method != nil:
		m.Kind = KindCommandRequest
	case w.ID == nil && w.Method != nil:
		m.Kind = KindEvent
	default:
		m.Kind = KindUnknown
	}
	return m, nil
}

// Marshal re-encodes a Message back to a CDP JSON frame, reflecting any
// mutation of ID/Method/Params/Result/Error/SessionID. Unknown top-level
// fields captured in Raw are preserved for keys that weren't touched by
// the modeled fields.
func (m *Message) Marshal() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.Raw)+4)
	for k, v := range m.Raw {
		out[k] = v
	}

	set := func(key string, v any) error {
		if v == nil {
			delete(out, key)
			return nil
		}
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		out[key] = b
		return nil
	}

	switch m.Kind {
	case KindCommandResponse:
		if err := set("id", m.ID); err != nil {
			return nil, err
		}
		delete(out, "method")
	case KindCommandRequest:
		if err := set("id", m.ID); err != nil {
			return nil, err
		}
		if err := set("method", m.Method); err != nil {
			return nil, err
		}
	case KindEvent:
		delete(out, "id")
		if err := set("method", m.Method); err != nil {
			return nil, err
		}
	}

	if m.Params != nil {
		out["params"] = m.Params
	} else {
		delete(out, "params")
	}
	if m.Result != nil {
		out["result"] = m.Result
	} else {
		delete(out, "result")
	}
	if m.Error != nil {
		if err := set("error", m.Error); err != nil {
			return nil, err
		}
	} else {
		delete(out, "error")
	}
	if m.SessionID != "" {
		if err := set("sessionId", m.SessionID); err != nil {
			return nil, err
		}
	} else {
		delete(out, "sessionId")
	}

	return json.Marshal(out)
}

// IsCommand reports whether the message is a client-originated request.
func (m *Message) IsCommand() bool { return m.Kind == KindCommandRequest }

// IsResponse reports whether the message is a browser-originated response.
func (m *Message) IsResponse() bool { return m.Kind == KindCommandResponse }

// IsEvent reports whether the message is an unsolicited browser event.
func (m *Message) IsEvent() bool { return m.Kind == KindEvent }
