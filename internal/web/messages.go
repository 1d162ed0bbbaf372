package web

import (
	"github.com/JonMunkholm/gridsync/internal/grid"
	"github.com/JonMunkholm/gridsync/internal/ot"
)

// Websocket message types.
const (
	// MsgSubmit is sent by clients with an operation made at Revision.
	MsgSubmit = "submit"

	// MsgHello opens a session with the client id, the document revision and
	// the snapshot at that revision.
	MsgHello = "hello"

	// MsgAck confirms the session's own outstanding operation as accepted.
	MsgAck = "ack"

	// MsgApply carries an operation committed by someone else.
	MsgApply = "apply"

	// MsgError reports a failed submission; the server closes the session
	// after sending it.
	MsgError = "error"

	// MsgResync tells the client its view can no longer be caught up. The
	// server closes the session after sending it.
	MsgResync = "resync"

	// MsgPresence reports how many sessions edit the document. The server
	// sends it whenever a session joins or leaves; clients may send it to
	// ask for the current count.
	MsgPresence = "presence"
)

// ClientMessage is a message from client to server.
type ClientMessage struct {
	Type      string       `json:"type"`
	Revision  int          `json:"revision"`
	Operation ot.Operation `json:"operation"`
}

// ServerMessage is a message from server to client. For ack and apply,
// Revision is the log index the operation was committed at. For hello it is
// the number of committed operations.
type ServerMessage struct {
	Type      string         `json:"type"`
	ClientID  string         `json:"clientId,omitempty"`
	Revision  int            `json:"revision"`
	Snapshot  *grid.Snapshot `json:"snapshot,omitempty"`
	Operation *ot.Operation  `json:"operation,omitempty"`
	Code      string         `json:"code,omitempty"`
	Message   string         `json:"message,omitempty"`
	Sessions  int            `json:"sessions,omitempty"`
}

// SubmitRequest is the body of POST /api/docs/{docID}/operations.
type SubmitRequest struct {
	Revision  int          `json:"revision"`
	Operation ot.Operation `json:"operation"`
}

// SessionsResponse is the body of GET /api/docs/{docID}/sessions.
type SessionsResponse struct {
	DocID    string `json:"docId"`
	Sessions int    `json:"sessions"`
}

// OperationsResponse is the body of GET /api/docs/{docID}/operations.
type OperationsResponse struct {
	Since      int            `json:"since"`
	Revision   int            `json:"revision"`
	Operations []ot.Operation `json:"operations"`
}
