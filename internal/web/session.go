package web

// session.go serves one websocket editing session.
//
// The handler goroutine reads submissions; a writer goroutine owns every
// write to the connection. The session subscribes to the document before
// reading its state, so the hello snapshot plus the broadcasts that follow
// it form a gapless history. Broadcasts from this session's own
// submissions are sent as ack, all others as apply, in log order. Joins
// and leaves are announced to every session as presence.

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/JonMunkholm/gridsync/internal/broadcast"
	"github.com/JonMunkholm/gridsync/internal/config"
	"github.com/JonMunkholm/gridsync/internal/core"
	"github.com/JonMunkholm/gridsync/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Sessions are not authenticated; any origin may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type outbound struct {
	msg   ServerMessage
	final bool
}

type session struct {
	id      string
	docID   string
	conn    *websocket.Conn
	service *core.Service
	cfg     config.SessionConfig
	logger  *slog.Logger

	sub  *broadcast.Subscription
	next int // log index of the next broadcast to forward

	out        chan outbound
	writerDone chan struct{}
}

// handleSession upgrades the request and runs the session until either
// side closes it.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	if err := core.ValidateDocumentID(docID); err != nil {
		respondError(w, r, err)
		return
	}

	release, err := s.service.AcquireSession()
	if err != nil {
		respondError(w, r, err)
		return
	}
	defer release()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		logging.FromContext(r.Context()).Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// The request context ends with the handler; the session has its own.
	ctx, cancel := context.WithCancel(withRequestMetadata(context.WithoutCancel(r.Context()), r))
	defer cancel()

	sess := &session{
		id:      uuid.NewString(),
		docID:   docID,
		conn:    conn,
		service: s.service,
		cfg:     s.cfg.Session,
		out:     make(chan outbound, 4),

		writerDone: make(chan struct{}),
	}
	sess.logger = logging.WithFields(ctx, "doc_id", docID, "client_id", sess.id)

	sub, state, err := s.service.Subscribe(ctx, docID)
	if err != nil {
		sess.logger.Error("session subscribe failed", "error", err)
		sess.writeFinal(errorMessage(err))
		return
	}
	defer func() {
		sub.Close()
		// ctx is cancelled by now.
		leaveCtx, leaveCancel := context.WithTimeout(context.WithoutCancel(ctx), sess.cfg.WriteTimeout)
		defer leaveCancel()
		sess.announce(leaveCtx)
	}()
	sess.sub = sub
	sess.next = state.Revision

	if err := sess.write(ServerMessage{
		Type:     MsgHello,
		ClientID: sess.id,
		Revision: state.Revision,
		Snapshot: &state.Snapshot,
		Sessions: sess.sessions(),
	}); err != nil {
		sess.logger.Warn("session hello failed", "error", err)
		return
	}
	sess.logger.Info("session opened", "revision", state.Revision)
	sess.announce(ctx)

	go func() {
		defer close(sess.writerDone)
		sess.writeLoop(ctx)
	}()

	sess.readLoop(ctx)
	cancel()
	<-sess.writerDone

	sess.logger.Info("session closed")
}

// readLoop handles submissions until the connection fails. After a fatal
// reply has been queued it ignores further input and waits for the writer
// to close the connection.
func (ss *session) readLoop(ctx context.Context) {
	ss.conn.SetReadLimit(ss.cfg.MaxMessageSize)
	pongWait := 2 * ss.cfg.PingInterval
	_ = ss.conn.SetReadDeadline(time.Now().Add(pongWait))
	ss.conn.SetPongHandler(func(string) error {
		return ss.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	closing := false
	for {
		_, data, err := ss.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !closing {
				ss.logger.Debug("session read failed", "error", err)
			}
			return
		}
		if closing {
			continue
		}

		var msg ClientMessage
		err = json.Unmarshal(data, &msg)
		if err == nil && msg.Type == MsgPresence {
			ss.reply(ctx, outbound{msg: ServerMessage{Type: MsgPresence, Sessions: ss.sessions()}})
			continue
		}
		if err != nil || msg.Type != MsgSubmit {
			closing = ss.reply(ctx, outbound{msg: ServerMessage{
				Type:    MsgError,
				Code:    "OT002",
				Message: "unknown or malformed message",
			}, final: true})
			continue
		}

		_, err = ss.service.Submit(ctx, ss.docID, ss.id, msg.Revision, msg.Operation)
		switch {
		case err == nil:
			// The ack arrives through the broadcast.
		case errors.Is(err, core.ErrBroadcastFailed):
			closing = ss.reply(ctx, outbound{msg: ServerMessage{Type: MsgResync}, final: true})
		default:
			closing = ss.reply(ctx, outbound{msg: errorMessage(err), final: true})
		}
	}
}

// reply queues a message for the writer and reports whether it was final.
func (ss *session) reply(ctx context.Context, o outbound) bool {
	select {
	case ss.out <- o:
	case <-ss.writerDone:
	case <-ctx.Done():
	}
	return o.final
}

// writeLoop forwards broadcasts and replies and keeps the connection alive.
// It closes the connection when it stops so the reader returns.
func (ss *session) writeLoop(ctx context.Context) {
	defer ss.conn.Close()

	ping := time.NewTicker(ss.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			ss.closeNormally()
			return

		case o := <-ss.out:
			if o.final {
				ss.writeFinal(o.msg)
				return
			}
			if err := ss.write(o.msg); err != nil {
				return
			}

		case msg, ok := <-ss.sub.C():
			if !ok {
				if ss.sub.Lagged() {
					ss.logger.Warn("session lagged behind broadcasts")
				}
				ss.writeFinal(ServerMessage{Type: MsgResync})
				return
			}
			forward, resync := ss.route(msg)
			if resync {
				ss.writeFinal(ServerMessage{Type: MsgResync})
				return
			}
			if forward != nil {
				if err := ss.write(*forward); err != nil {
					return
				}
			}

		case <-ping.C:
			deadline := time.Now().Add(ss.cfg.WriteTimeout)
			if err := ss.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// route turns a broadcast into the message for this session. Broadcasts
// already reflected in the hello snapshot are skipped; a gap or a reset
// forces a resync.
func (ss *session) route(msg broadcast.Message) (*ServerMessage, bool) {
	if msg.Reset {
		return nil, true
	}
	if msg.Presence {
		return &ServerMessage{Type: MsgPresence, Sessions: ss.sessions()}, false
	}
	if msg.Revision < ss.next {
		return nil, false
	}
	if msg.Revision > ss.next {
		ss.logger.Warn("broadcast gap", "want", ss.next, "got", msg.Revision)
		return nil, true
	}
	ss.next++

	typ := MsgApply
	if msg.Origin == ss.id {
		typ = MsgAck
	}
	op := msg.Operation
	return &ServerMessage{Type: typ, Revision: msg.Revision, Operation: &op}, false
}

func (ss *session) sessions() int {
	n, _ := ss.service.Sessions(ss.docID)
	return n
}

// announce publishes a presence change. Failures only cost the other
// sessions an update.
func (ss *session) announce(ctx context.Context) {
	if err := ss.service.AnnouncePresence(ctx, ss.docID); err != nil {
		ss.logger.Warn("presence announce failed", "error", err)
	}
}

func (ss *session) write(msg ServerMessage) error {
	_ = ss.conn.SetWriteDeadline(time.Now().Add(ss.cfg.WriteTimeout))
	if err := ss.conn.WriteJSON(msg); err != nil {
		ss.logger.Debug("session write failed", "type", msg.Type, "error", err)
		return err
	}
	return nil
}

// writeFinal sends msg and a close frame.
func (ss *session) writeFinal(msg ServerMessage) {
	if err := ss.write(msg); err != nil {
		return
	}
	ss.closeNormally()
}

func (ss *session) closeNormally() {
	deadline := time.Now().Add(ss.cfg.WriteTimeout)
	_ = ss.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}

func errorMessage(err error) ServerMessage {
	msg := core.MapError(err)
	return ServerMessage{Type: MsgError, Code: msg.Code, Message: msg.Message}
}
