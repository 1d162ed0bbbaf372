package web

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/gridsync/internal/config"
	"github.com/JonMunkholm/gridsync/internal/ot"
)

func dial(t *testing.T, url, docID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http") + "/ws/" + docID
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readAny(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// readMessage returns the next message that is not a presence update.
func readMessage(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	for {
		msg := readAny(t, conn)
		if msg.Type != MsgPresence {
			return msg
		}
	}
}

// waitPresence reads until a presence update reports want sessions.
func waitPresence(t *testing.T, conn *websocket.Conn, want int) {
	t.Helper()
	for {
		msg := readAny(t, conn)
		if msg.Type == MsgPresence && msg.Sessions == want {
			return
		}
	}
}

func TestSession_HelloAckAndApply(t *testing.T) {
	ts, _ := newTestServer(t)

	alice := dial(t, ts.URL, "doc")
	bob := dial(t, ts.URL, "doc")

	helloA := readMessage(t, alice)
	require.Equal(t, MsgHello, helloA.Type)
	require.NotEmpty(t, helloA.ClientID)
	require.Zero(t, helloA.Revision)
	require.NotNil(t, helloA.Snapshot)
	helloB := readMessage(t, bob)
	require.NotEqual(t, helloA.ClientID, helloB.ClientID)

	require.NoError(t, alice.WriteJSON(ClientMessage{
		Type:      MsgSubmit,
		Revision:  0,
		Operation: ot.Operation{InsertCols: []ot.InsertCol{{ID: ot.Placeholder("c1"), Name: "A"}}},
	}))

	ack := readMessage(t, alice)
	require.Equal(t, MsgAck, ack.Type)
	require.Zero(t, ack.Revision)
	require.NotNil(t, ack.Operation)
	id := ack.Operation.InsertCols[0].ID
	require.Equal(t, ot.KindConfirmed, id.Kind())
	require.Equal(t, "c1", id.Symbol())

	apply := readMessage(t, bob)
	require.Equal(t, MsgApply, apply.Type)
	require.Zero(t, apply.Revision)
	require.True(t, apply.Operation.InsertCols[0].ID.Equal(id))
}

func TestSession_HelloReflectsExistingLog(t *testing.T) {
	ts, svc := newTestServer(t)
	_, err := svc.Submit(context.Background(), "doc", "seed", 0,
		ot.Operation{InsertCols: []ot.InsertCol{{ID: ot.Placeholder("c"), Name: "A"}}})
	require.NoError(t, err)

	conn := dial(t, ts.URL, "doc")
	hello := readMessage(t, conn)
	require.Equal(t, 1, hello.Revision)
	require.Len(t, hello.Snapshot.Columns, 1)
}

func TestSession_RejectedSubmissionClosesSession(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dial(t, ts.URL, "doc")
	readMessage(t, conn)

	require.NoError(t, conn.WriteJSON(ClientMessage{
		Type:      MsgSubmit,
		Revision:  9,
		Operation: ot.Operation{DeleteRows: []ot.Identity{ot.Confirmed("r")}},
	}))

	msg := readMessage(t, conn)
	require.Equal(t, MsgError, msg.Type)
	require.Equal(t, "OT001", msg.Code)

	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestSession_MalformedMessage(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dial(t, ts.URL, "doc")
	readMessage(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	msg := readMessage(t, conn)
	require.Equal(t, MsgError, msg.Type)
	require.Equal(t, "OT002", msg.Code)
}

func TestSession_ResetForcesResync(t *testing.T) {
	ts, svc := newTestServer(t)
	conn := dial(t, ts.URL, "doc")
	readMessage(t, conn)

	require.NoError(t, svc.Reset(context.Background(), "doc"))
	require.Equal(t, MsgResync, readMessage(t, conn).Type)
}

func TestSession_LimitRejectsBeforeUpgrade(t *testing.T) {
	ts, _ := newTestServer(t, func(c *config.Config) { c.Session.MaxConcurrent = 1 })

	conn := dial(t, ts.URL, "doc")
	readMessage(t, conn)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/doc"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSession_PresenceTracksJoinsAndLeaves(t *testing.T) {
	ts, svc := newTestServer(t)

	alice := dial(t, ts.URL, "doc")
	hello := readAny(t, alice)
	require.Equal(t, MsgHello, hello.Type)
	require.Equal(t, 1, hello.Sessions)

	bob := dial(t, ts.URL, "doc")
	require.Equal(t, 2, readMessage(t, bob).Sessions)
	waitPresence(t, alice, 2)

	n, err := svc.Sessions("doc")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, bob.Close())
	waitPresence(t, alice, 1)

	// Clients may ask for the count.
	require.NoError(t, alice.WriteJSON(ClientMessage{Type: MsgPresence}))
	waitPresence(t, alice, 1)
}
