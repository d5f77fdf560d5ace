package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"conductor/internal/protocol"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Clients are trusted tools on arbitrary hosts, not browsers.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebSocket upgrades the connection, registers the client channel,
// and runs the read pump until the peer goes away.
func (s *Server) handleWebSocket(c *gin.Context) {
	clientID := c.Param("client_id")
	if clientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client_id is required"})
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade for %q failed: %v", clientID, err)
		return
	}

	s.channels.Connect(clientID, conn)
	s.logger.Info("client %q connected from %s", clientID, c.ClientIP())
	s.readPump(clientID, conn)
}

// readPump decodes inbound frames and routes them. It owns the connection's
// read side; the channel registry owns the write side.
func (s *Server) readPump(clientID string, conn *websocket.Conn) {
	defer s.channels.Disconnect(clientID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("client %q read error: %v", clientID, err)
			}
			return
		}
		s.routeFrame(clientID, data)
	}
}

// routeFrame dispatches one inbound frame by its discriminator. Malformed
// and unknown frames are logged and dropped; the channel stays up.
func (s *Server) routeFrame(clientID string, data []byte) {
	frameType, err := protocol.PeekType(data)
	if err != nil {
		s.logger.Warn("client %q sent an undecodable frame: %v", clientID, err)
		return
	}
	s.metrics.RecordFrameIn(frameType)

	switch frameType {
	case protocol.TypeCreateTask:
		frame, err := protocol.Decode[protocol.CreateTask](data)
		if err != nil {
			s.sendError(clientID, "bad create_task frame: "+err.Error())
			return
		}
		if _, err := s.runner.CreateTask(frame, clientID); err != nil {
			s.sendError(clientID, err.Error())
		}

	case protocol.TypeCommandResult:
		frame, err := protocol.Decode[protocol.CommandResult](data)
		if err != nil {
			s.logger.Warn("client %q sent a bad command_result: %v", clientID, err)
			return
		}
		s.runner.HandleCommandResult(frame)

	case protocol.TypeUserAnswer:
		frame, err := protocol.Decode[protocol.UserAnswer](data)
		if err != nil {
			s.logger.Warn("client %q sent a bad user_answer: %v", clientID, err)
			return
		}
		s.runner.HandleUserAnswer(frame)

	case protocol.TypeCancelTask:
		frame, err := protocol.Decode[protocol.CancelTask](data)
		if err != nil {
			s.logger.Warn("client %q sent a bad cancel_task: %v", clientID, err)
			return
		}
		if err := s.runner.CancelTask(frame.TaskID); err != nil {
			s.sendError(clientID, err.Error())
		}

	case protocol.TypePing:
		s.send(clientID, protocol.NewPong())

	default:
		s.logger.Warn("client %q sent unknown frame type %q, ignoring", clientID, frameType)
	}
}

func (s *Server) sendError(clientID, message string) {
	s.send(clientID, protocol.NewError(message))
}

func (s *Server) send(clientID string, frame any) {
	if s.channels.Send(clientID, frame) {
		s.metrics.RecordFrameOut(protocol.FrameType(frame))
	} else {
		s.metrics.RecordSendFailure()
	}
}
