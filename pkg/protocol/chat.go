package protocol

import (
	"bytes"
	"encoding/json"
	"maps"

	"github.com/pkg/errors"
)

// ChatMessage is one turn of the conversation history.
type ChatMessage struct {
	Content string `json:"content"`
	Role    string `json:"role"`
}

// ChatRequest is the body of /ask, /chat and of the "chat" pub/sub event.
// It is treated as a value: the With* helpers return modified copies.
type ChatRequest struct {
	Messages      []ChatMessage     `json:"messages"`
	Context       map[string]any    `json:"context,omitempty"`
	SessionState  any               `json:"session_state,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// WithHeaders returns a copy of the request carrying headers.
func (r ChatRequest) WithHeaders(headers map[string]string) ChatRequest {
	r.Headers = maps.Clone(headers)
	return r
}

// WithCorrelationID returns a copy of the request tagged with id.
func (r ChatRequest) WithCorrelationID(id string) ChatRequest {
	r.CorrelationID = id
	return r
}

// LastUserMessage returns the content of the most recent user turn.
func (r ChatRequest) LastUserMessage() (string, bool) {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content, true
		}
	}
	return "", false
}

// ChatAppResponse is a successful /ask body. It is passed through untouched.
type ChatAppResponse map[string]any

// Delta is the incremental content of a streamed choice.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChunkChoice is one choice of a streamed completion chunk.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// ChatChunk mirrors an OpenAI-style streaming completion chunk.
type ChatChunk struct {
	Choices []ChunkChoice `json:"choices"`
}

// Finished reports whether the first choice carries a finish reason.
func (c ChatChunk) Finished() bool {
	return len(c.Choices) > 0 && c.Choices[0].FinishReason != nil
}

// ServerData is the application payload of a message frame sent by the backend.
type ServerData struct {
	From          string          `json:"from,omitempty"`
	Message       json.RawMessage `json:"message"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// Decode decodes bytes into server data
func (d *ServerData) Decode(data []byte) error {
	if err := json.Unmarshal(data, d); err != nil {
		return errors.Wrap(err, "failed to decode server data")
	}
	return nil
}

// Fragment returns the compact JSON form of the nested message. A missing
// message yields "null".
func (d *ServerData) Fragment() []byte {
	if len(d.Message) == 0 {
		return []byte("null")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, d.Message); err != nil {
		return append([]byte(nil), d.Message...)
	}
	return buf.Bytes()
}

// Finished reports whether the nested message's first choice carries a
// non-null finish_reason. Only the marker is decoded, so other fields of any
// shape do not hide it. Messages that are not objects never finish a reply.
func (d *ServerData) Finished() bool {
	if len(d.Message) == 0 || d.Message[0] != '{' {
		return false
	}
	var marker struct {
		Choices []struct {
			FinishReason json.RawMessage `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(d.Message, &marker); err != nil || len(marker.Choices) == 0 {
		return false
	}
	reason := bytes.TrimSpace(marker.Choices[0].FinishReason)
	return len(reason) > 0 && !bytes.Equal(reason, []byte("null"))
}
