// Package remote is a websocket client for gridsync sessions. It keeps a
// local grid in step with the server by driving an ot.Client.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/JonMunkholm/gridsync/internal/grid"
	"github.com/JonMunkholm/gridsync/internal/ot"
	"github.com/JonMunkholm/gridsync/internal/web"
)

var (
	// ErrResync is the session's error after the server asked the client
	// to reload the document. Dial again to continue.
	ErrResync = errors.New("server requested resync")

	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")
)

// ServerError is a rejection reported by the server.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// Session is one websocket session on a document.
type Session struct {
	conn     *websocket.Conn
	clientID string
	grid     *grid.Grid
	client   *ot.Client
	logger   *slog.Logger

	writeMu sync.Mutex

	// editMu orders local edits against incoming server messages so the
	// grid and the client agree on which operations are pending.
	editMu sync.Mutex

	mu       sync.Mutex
	err      error
	sessions int
	changed  chan struct{}
	done     chan struct{}
}

// Dial opens a session at url, a ws:// or wss:// URL of a /ws/{docID}
// endpoint, and waits for the server's hello.
func Dial(ctx context.Context, url string) (*Session, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	var hello web.ServerMessage
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if err := checkHello(hello); err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})

	s := &Session{
		conn:     conn,
		clientID: hello.ClientID,
		grid:     grid.FromSnapshot(*hello.Snapshot),
		logger:   slog.With("client_id", hello.ClientID),
		sessions: hello.Sessions,
		changed:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.client = ot.NewClient(hello.Revision, s, s.grid)

	go s.readLoop()
	return s, nil
}

func checkHello(msg web.ServerMessage) error {
	switch {
	case msg.Type == web.MsgError:
		return &ServerError{Code: msg.Code, Message: msg.Message}
	case msg.Type != web.MsgHello:
		return fmt.Errorf("%w: expected hello, got %q", ot.ErrProtocolViolation, msg.Type)
	case msg.Snapshot == nil:
		return fmt.Errorf("%w: hello without snapshot", ot.ErrProtocolViolation)
	}
	return nil
}

// ClientID returns the id the server assigned to this session.
func (s *Session) ClientID() string { return s.clientID }

// Grid returns the local document. It reflects local edits immediately and
// remote ones as they arrive.
func (s *Session) Grid() *grid.Grid { return s.grid }

// Revision returns the number of server operations incorporated locally.
func (s *Session) Revision() int { return s.client.Revision() }

// Sessions returns the number of sessions on the document as last reported
// by the server.
func (s *Session) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

// State returns the protocol state of the session.
func (s *Session) State() ot.ClientState { return s.client.State() }

// Apply makes a local edit: it is applied to the grid and sent, or buffered
// while an earlier edit awaits its ack. An edit the grid rejects is not sent.
func (s *Session) Apply(op ot.Operation) error {
	if err := s.Err(); err != nil {
		return err
	}

	s.editMu.Lock()
	defer s.editMu.Unlock()

	if err := s.grid.ApplyOperation(op); err != nil {
		return fmt.Errorf("apply local edit: %w", err)
	}
	if err := s.client.ApplyClient(op); err != nil {
		return err
	}
	s.notify()
	return nil
}

// Resend re-issues the operation in flight, if any.
func (s *Session) Resend() error {
	if err := s.Err(); err != nil {
		return err
	}
	return s.client.Resend()
}

// SendOperation implements ot.Sender.
func (s *Session) SendOperation(revision int, op ot.Operation) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(web.ClientMessage{Type: web.MsgSubmit, Revision: revision, Operation: op})
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session ended, or nil while it is open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the session.
func (s *Session) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()

	s.fail(ErrClosed)
	return s.conn.Close()
}

// WaitSynchronized blocks until the session has incorporated at least
// revision server operations and has nothing in flight.
func (s *Session) WaitSynchronized(ctx context.Context, revision int) error {
	for {
		s.mu.Lock()
		changed, err := s.changed, s.err
		s.mu.Unlock()

		if _, ok := s.client.State().(ot.Synchronized); ok && s.client.Revision() >= revision {
			return nil
		}
		if err != nil {
			return err
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) readLoop() {
	for {
		var msg web.ServerMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = ErrClosed
			}
			s.fail(err)
			return
		}
		if err := s.handle(msg); err != nil {
			s.logger.Warn("session failed", "type", msg.Type, "error", err)
			s.fail(err)
			s.conn.Close()
			return
		}
		s.notify()
	}
}

func (s *Session) handle(msg web.ServerMessage) error {
	s.editMu.Lock()
	defer s.editMu.Unlock()

	switch msg.Type {
	case web.MsgApply:
		if msg.Operation == nil {
			return fmt.Errorf("%w: apply without operation", ot.ErrProtocolViolation)
		}
		return s.client.ApplyServer(*msg.Operation)
	case web.MsgAck:
		if msg.Operation == nil {
			return fmt.Errorf("%w: ack without operation", ot.ErrProtocolViolation)
		}
		return s.client.ServerAck(*msg.Operation)
	case web.MsgError:
		return &ServerError{Code: msg.Code, Message: msg.Message}
	case web.MsgResync:
		return ErrResync
	case web.MsgPresence:
		s.mu.Lock()
		s.sessions = msg.Sessions
		s.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("%w: unexpected message %q", ot.ErrProtocolViolation, msg.Type)
	}
}

// fail records the first terminal error and wakes waiters.
func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	s.err = err
	close(s.done)
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Session) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.changed)
	s.changed = make(chan struct{})
}
