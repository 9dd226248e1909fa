package server

import (
	"strings"

	"github.com/omochice/chat-bridge/pkg/protocol"
)

const finishStop = "stop"

// replyText is what the backend answers to req: the last user message.
func replyText(req protocol.ChatRequest) string {
	text, _ := req.LastUserMessage()
	return text
}

// replyChunks splits text into streamed chunks, one word each, followed by
// a final chunk carrying the finish reason.
func replyChunks(text string) []protocol.ChatChunk {
	words := strings.Fields(text)
	chunks := make([]protocol.ChatChunk, 0, len(words)+1)
	for i, word := range words {
		if i < len(words)-1 {
			word += " "
		}
		delta := protocol.Delta{Content: word}
		if i == 0 {
			delta.Role = "assistant"
		}
		chunks = append(chunks, protocol.ChatChunk{
			Choices: []protocol.ChunkChoice{{Delta: delta}},
		})
	}
	stop := finishStop
	chunks = append(chunks, protocol.ChatChunk{
		Choices: []protocol.ChunkChoice{{FinishReason: &stop}},
	})
	return chunks
}
