package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/omochice/chat-bridge/pkg/protocol"
)

func (s *Server) handleNegotiate(w http.ResponseWriter, r *http.Request) {
	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": scheme + "://" + r.Host + HubPath})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	text := replyText(req)
	writeJSON(w, http.StatusOK, map[string]any{
		"answer": text,
		"choices": []map[string]any{{
			"index":   0,
			"message": protocol.ChatMessage{Role: "assistant", Content: text},
		}},
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	enc := json.NewEncoder(w)
	for i, chunk := range replyChunks(replyText(req)) {
		if i > 0 && !s.pause(r.Context().Done()) {
			return
		}
		if err := enc.Encode(chunk); err != nil {
			s.logger.Debug().Err(err).Msg("chat stream aborted")
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	citation := r.PathValue("citation")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("content of " + citation + "\n"))
}

func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (protocol.ChatRequest, bool) {
	var req protocol.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "request must be a JSON chat request"})
		return req, false
	}
	if _, ok := req.LastUserMessage(); !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no user message"})
		return req, false
	}
	return req, true
}

// pause waits one word delay. It reports false if done closed first.
func (s *Server) pause(done <-chan struct{}) bool {
	if s.wordDelay <= 0 {
		return true
	}
	t := time.NewTimer(s.wordDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-done:
		return false
	case <-s.quit:
		return false
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
