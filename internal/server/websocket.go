package server

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/omochice/chat-bridge/pkg/protocol"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	Subprotocols: []string{protocol.Subprotocol},
	CheckOrigin: func(r *http.Request) bool {
		return true // development backend
	},
}

// assistantName is the ServerData.From of streamed replies.
const assistantName = "assistant"

// wsClient is one connected pub/sub client.
type wsClient struct {
	conn         *websocket.Conn
	connectionID string
	userID       string
	outgoing     chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	logger       zerolog.Logger
}

// send queues data for the writer. It gives up once the client is closed.
func (c *wsClient) send(data []byte) bool {
	select {
	case c.outgoing <- data:
		return true
	case <-c.done:
		return false
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *wsClient) sendFrame(frame protocol.Frame) bool {
	data, err := frame.Encode()
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to encode frame")
		return false
	}
	return c.send(data)
}

// handleWebSocket handles WebSocket upgrade and client connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}
	if conn.Subprotocol() != protocol.Subprotocol {
		s.logger.Warn().Str("subprotocol", conn.Subprotocol()).Msg("client did not request the pub/sub subprotocol")
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseProtocolError, "unsupported subprotocol"))
		_ = conn.Close()
		return
	}

	client := &wsClient{
		conn:         conn,
		connectionID: uuid.NewString(),
		userID:       r.URL.Query().Get("user"),
		outgoing:     make(chan []byte, 64),
		done:         make(chan struct{}),
	}
	client.logger = s.logger.With().Str("connection_id", client.connectionID).Logger()

	s.mu.Lock()
	select {
	case <-s.quit:
		s.mu.Unlock()
		_ = conn.Close()
		return
	default:
	}
	s.clients[client] = true
	s.wg.Add(1)
	s.mu.Unlock()

	go s.handleClient(client)
}

// handleClient runs the writer and reads frames until the client goes away.
func (s *Server) handleClient(client *wsClient) {
	defer s.wg.Done()
	defer func() {
		client.close()
		s.mu.Lock()
		delete(s.clients, client)
		s.mu.Unlock()
		client.logger.Info().Msg("client disconnected")
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case data := <-client.outgoing:
				if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
					client.logger.Debug().Err(err).Msg("failed to send frame")
					client.close()
					return
				}
			case <-client.done:
				return
			}
		}
	}()

	client.sendFrame(protocol.Frame{
		Type:         protocol.FrameTypeSystem,
		Event:        protocol.SystemEventConnected,
		ConnectionID: client.connectionID,
		UserID:       client.userID,
	})
	client.logger.Info().Str("user_id", client.userID).Msg("client connected")

	for {
		messageType, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				client.logger.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame protocol.Frame
		if err := frame.Decode(data); err != nil {
			client.logger.Warn().Err(err).Msg("failed to decode frame")
			continue
		}
		if frame.Type != protocol.FrameTypeEvent {
			client.logger.Debug().Str("type", string(frame.Type)).Msg("ignoring frame")
			continue
		}
		s.handleEvent(client, &frame)
	}
}

// handleEvent acks an event and, for chat events, streams the reply.
func (s *Server) handleEvent(client *wsClient, frame *protocol.Frame) {
	var req protocol.ChatRequest
	var decodeErr error
	if frame.Event == protocol.EventChat {
		decodeErr = json.Unmarshal(frame.Data, &req)
	}

	if frame.AckID != 0 {
		ok := decodeErr == nil
		ack := protocol.Frame{Type: protocol.FrameTypeAck, AckID: frame.AckID, Success: &ok}
		if decodeErr != nil {
			ack.Error = &protocol.AckError{Name: "InvalidData", Message: decodeErr.Error()}
		}
		client.sendFrame(ack)
	}

	if frame.Event != protocol.EventChat || decodeErr != nil {
		return
	}

	client.logger.Info().
		Str("correlation_id", req.CorrelationID).
		Int("messages", len(req.Messages)).
		Msg("chat event received")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.streamReply(client, req)
	}()
}

// streamReply sends the reply chunks to client as server messages.
func (s *Server) streamReply(client *wsClient, req protocol.ChatRequest) {
	for i, chunk := range replyChunks(replyText(req)) {
		if i > 0 && !s.pause(client.done) {
			return
		}
		message, err := json.Marshal(chunk)
		if err != nil {
			client.logger.Error().Err(err).Msg("failed to encode chunk")
			return
		}
		data, err := json.Marshal(protocol.ServerData{
			From:          assistantName,
			Message:       message,
			CorrelationID: req.CorrelationID,
		})
		if err != nil {
			client.logger.Error().Err(err).Msg("failed to encode server data")
			return
		}
		if !client.sendFrame(protocol.Frame{
			Type:     protocol.FrameTypeMessage,
			From:     protocol.SourceServer,
			DataType: protocol.DataTypeJSON,
			Data:     data,
		}) {
			return
		}
	}
}
