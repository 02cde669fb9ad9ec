package protocol

import (
	"encoding/json"
	"os"
	"time"
	"unicode/utf8"
)

// Username returns the login name from the environment, or "".
func Username() string {
	for _, key := range []string{"LOGNAME", "USER", "LNAME", "USERNAME"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// NewMessage builds a fresh outgoing message with an empty parent header
// and empty metadata.
func NewMessage(msgType, msgID string, content map[string]interface{}) *Message {
	if content == nil {
		content = map[string]interface{}{}
	}
	return &Message{
		Header: Header{
			MsgID:    msgID,
			MsgType:  msgType,
			Session:  ZeroSession,
			Username: Username(),
			Date:     time.Now().UTC().Format(time.RFC3339Nano),
			Version:  Version,
		},
		Metadata: map[string]interface{}{},
		Content:  content,
	}
}

// ExecuteRequest returns execute_request content for code.
func ExecuteRequest(code string) map[string]interface{} {
	return map[string]interface{}{
		"code":             code,
		"silent":           false,
		"store_history":    true,
		"user_expressions": map[string]interface{}{},
		"allow_stdin":      true,
	}
}

// CompleteRequest returns complete_request content with the cursor at the
// end of code. text and line are filled for kernels that predate v5.
func CompleteRequest(code string) map[string]interface{} {
	return map[string]interface{}{
		"code":       code,
		"text":       code,
		"line":       code,
		"cursor_pos": utf8.RuneCountInString(code),
	}
}

// InspectRequest returns inspect_request content.
func InspectRequest(code string, cursorPos int) map[string]interface{} {
	return map[string]interface{}{
		"code":         code,
		"cursor_pos":   cursorPos,
		"detail_level": 0,
	}
}

// ShutdownRequest returns shutdown_request content.
func ShutdownRequest(restart bool) map[string]interface{} {
	return map[string]interface{}{"restart": restart}
}

// InputReply returns input_reply content.
func InputReply(value string) map[string]interface{} {
	return map[string]interface{}{"value": value}
}

// wireMessage is the JSON form used on the gateway websocket.
type wireMessage struct {
	Header       Header                 `json:"header"`
	ParentHeader json.RawMessage        `json:"parent_header"`
	Metadata     map[string]interface{} `json:"metadata"`
	Content      map[string]interface{} `json:"content"`
	Channel      Channel                `json:"channel,omitempty"`
}

// MarshalJSON encodes the message as a single JSON object, writing a zero
// parent header as {}.
func (m *Message) MarshalJSON() ([]byte, error) {
	parent, err := marshalHeader(m.ParentHeader)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{
		Header:       m.Header,
		ParentHeader: parent,
		Metadata:     orEmpty(m.Metadata),
		Content:      orEmpty(m.Content),
		Channel:      m.Channel,
	})
}

// UnmarshalJSON decodes the single-object JSON form.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	var parent Header
	if len(w.ParentHeader) > 0 && string(w.ParentHeader) != "null" {
		if err := json.Unmarshal(w.ParentHeader, &parent); err != nil {
			return err
		}
	}
	m.Header = w.Header
	m.ParentHeader = parent
	m.Metadata = w.Metadata
	m.Content = w.Content
	m.Channel = w.Channel
	return nil
}

func marshalHeader(h Header) ([]byte, error) {
	if h.IsZero() {
		return []byte("{}"), nil
	}
	return json.Marshal(h)
}

func orEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
