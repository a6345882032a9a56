package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/pulserelay/internal/session"
	"github.com/agentworkforce/pulserelay/internal/userstate"
)

const streamReadLimit = 16 << 10

// clientFrame is a message sent by a stream client.
type clientFrame struct {
	Type   string `json:"type"`
	UserID string `json:"userId,omitempty"`
	Token  string `json:"token,omitempty"`
}

// serverFrame is every reply the stream sends other than broadcast updates,
// which are forwarded verbatim from the session buffer.
type serverFrame struct {
	Type    string                    `json:"type"`
	UserID  string                    `json:"userId,omitempty"`
	State   *userstate.UserState      `json:"state,omitempty"`
	Derived *userstate.DerivedMetrics `json:"derived,omitempty"`
	Code    string                    `json:"code,omitempty"`
	Message string                    `json:"message,omitempty"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, correlationID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		// Accept has already written the HTTP error.
		s.logger.Debug("stream upgrade rejected", zap.String("correlation_id", correlationID), zap.Error(err))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(streamReadLimit)

	if !s.trackStream() {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.streams.Done()

	sess := s.sessions.Open()
	logger := s.logger.With(zap.String("conn_id", sess.ID()), zap.String("correlation_id", correlationID))
	logger.Debug("stream opened")

	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(s.streamsCtx, cancel)
	defer stop()
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		s.pumpSession(ctx, conn, sess, logger)
	}()

	s.readFrames(ctx, conn, sess, logger)

	// Leave before the writer drains so no further broadcasts are queued.
	s.sessions.Close(sess.ID())
	cancel()
	<-writerDone
	logger.Debug("stream closed", zap.Uint64("dropped", sess.Dropped()))
}

func (s *Server) pumpSession(ctx context.Context, conn *websocket.Conn, sess *session.Session, logger *zap.Logger) {
	for {
		msg, err := sess.Next(ctx)
		if err != nil {
			return
		}
		if err := s.writeFrame(ctx, conn, msg); err != nil {
			logger.Debug("stream write failed", zap.Error(err))
			return
		}
	}
}

func (s *Server) readFrames(ctx context.Context, conn *websocket.Conn, sess *session.Session, logger *zap.Logger) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				logger.Debug("stream read ended", zap.Error(err))
			}
			return
		}
		if typ != websocket.MessageText {
			s.reply(ctx, conn, serverFrame{Type: "error", Code: "unsupported_frame", Message: "text frames only"}, logger)
			continue
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.reply(ctx, conn, serverFrame{Type: "error", Code: "bad_request", Message: "invalid json frame"}, logger)
			continue
		}
		s.reply(ctx, conn, s.handleFrame(sess, frame, logger), logger)
	}
}

func (s *Server) handleFrame(sess *session.Session, frame clientFrame, logger *zap.Logger) serverFrame {
	switch frame.Type {
	case "join":
		userID := strings.TrimSpace(frame.UserID)
		if authErr := authorizeRead(frame.Token, s.cfg.ReadJWTSecret, userID, time.Now().UTC()); authErr != nil {
			return serverFrame{Type: "error", Code: authErr.code, Message: authErr.message}
		}
		if err := s.sessions.Join(sess.ID(), userID); err != nil {
			if errors.Is(err, session.ErrInvalidUser) {
				return serverFrame{Type: "error", Code: "bad_request", Message: err.Error()}
			}
			return serverFrame{Type: "error", Code: "join_failed", Message: err.Error()}
		}
		logger.Debug("stream joined", zap.String("user_id", userID))
		out := serverFrame{Type: "joined", UserID: userID}
		if state, ok := s.states.Get(userID); ok {
			derived := userstate.Derive(state)
			out.State = &state
			out.Derived = &derived
		}
		return out
	case "leave":
		s.sessions.Leave(sess.ID())
		return serverFrame{Type: "left"}
	case "ping":
		return serverFrame{Type: "pong"}
	default:
		return serverFrame{Type: "error", Code: "unknown_frame", Message: "unknown frame type"}
	}
}

func (s *Server) reply(ctx context.Context, conn *websocket.Conn, frame serverFrame, logger *zap.Logger) {
	payload, err := json.Marshal(frame)
	if err != nil {
		logger.Error("encode stream frame failed", zap.Error(err))
		return
	}
	if err := s.writeFrame(ctx, conn, payload); err != nil {
		logger.Debug("stream reply failed", zap.Error(err))
	}
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WSWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, payload)
}
