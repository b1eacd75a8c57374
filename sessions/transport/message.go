package transport

import "encoding/json"

// Message is one parsed line of the CLI's stream-json output. It keeps the
// raw decoded form so unknown message types pass through to viewers
// unchanged, with typed accessors for the fields this server acts on.
type Message map[string]any

// ParseMessage decodes a single stream-json line
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Raw returns the message re-serialized as JSON
func (m Message) Raw() []byte {
	data, err := json.Marshal(map[string]any(m))
	if err != nil {
		return nil
	}
	return data
}

// Type returns the message type ("system", "assistant", "user", "result", ...)
func (m Message) Type() string {
	t, _ := m["type"].(string)
	return t
}

// SessionID returns the CLI-minted session identifier carried by this
// message, or "" if it carries none. The CLI stamps it on every message.
func (m Message) SessionID() string {
	id, _ := m["session_id"].(string)
	return id
}

// IsResult reports whether this message terminates the current turn
func (m Message) IsResult() bool {
	return m.Type() == "result"
}

// ToolUse describes one tool invocation requested by an assistant message
type ToolUse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ToolUses returns the tool_use content blocks of an assistant message.
// Non-assistant messages and assistant messages without tool calls
// return nil.
func (m Message) ToolUses() []ToolUse {
	if m.Type() != "assistant" {
		return nil
	}

	inner, _ := m["message"].(map[string]any)
	if inner == nil {
		return nil
	}
	content, _ := inner["content"].([]any)

	var uses []ToolUse
	for _, block := range content {
		b, _ := block.(map[string]any)
		if b == nil {
			continue
		}
		if blockType, _ := b["type"].(string); blockType != "tool_use" {
			continue
		}
		id, _ := b["id"].(string)
		name, _ := b["name"].(string)
		if id != "" {
			uses = append(uses, ToolUse{ID: id, Name: name})
		}
	}
	return uses
}
