package remote

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/gridsync/internal/broadcast"
	"github.com/JonMunkholm/gridsync/internal/config"
	"github.com/JonMunkholm/gridsync/internal/core"
	"github.com/JonMunkholm/gridsync/internal/grid"
	"github.com/JonMunkholm/gridsync/internal/ot"
	"github.com/JonMunkholm/gridsync/internal/web"
)

func newServer(t *testing.T) (string, *core.Service) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Rate.Enabled = false

	b := broadcast.NewLocal(cfg.Session.SendBuffer)
	svc := core.NewService(core.NewMemoryBackend(), b, cfg)
	srv := web.NewServer(svc, cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = b.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/", svc
}

func dial(t *testing.T, url string) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := Dial(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func waitSynchronized(t *testing.T, s *Session, revision int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.WaitSynchronized(ctx, revision))
}

func TestSession_ApplyUpdatesLocalGrid(t *testing.T) {
	base, _ := newServer(t)
	s := dial(t, base+"doc")

	col := ot.Placeholder(uuid.NewString())
	require.NoError(t, s.Apply(ot.Operation{
		InsertCols: []ot.InsertCol{{ID: col, Name: "A"}},
	}))
	rows, cols := s.Grid().Len()
	require.Equal(t, 0, rows)
	require.Equal(t, 1, cols)

	waitSynchronized(t, s, 1)
	_, cols = s.Grid().Len()
	require.Equal(t, 1, cols)

	// The column was re-keyed on ack; the placeholder still works locally
	// and is sent under the confirmed id.
	row := ot.Placeholder(uuid.NewString())
	require.NoError(t, s.Apply(ot.Operation{
		InsertRows: []ot.InsertRow{{ID: row, Data: []ot.CellValue{{ColID: col, Value: "v"}}}},
	}))
	waitSynchronized(t, s, 2)

	snap := s.Grid().Snapshot()
	require.Len(t, snap.Rows, 1)
	require.Len(t, snap.Rows[0].Cells, 1)
	require.Equal(t, "v", snap.Rows[0].Cells[0].Value)
	require.NoError(t, s.Err())
}

func TestSession_RejectedLocalEditIsNotSent(t *testing.T) {
	base, svc := newServer(t)
	s := dial(t, base+"doc")

	err := s.Apply(ot.Operation{
		UpdateCells: []ot.UpdateCell{{RowID: ot.Placeholder("unknown"), ColID: ot.Confirmed("c"), Value: "v"}},
	})
	require.ErrorIs(t, err, ot.ErrUnresolvedSymbol)
	require.IsType(t, ot.Synchronized{}, s.State())

	rev, err := svc.Revision(context.Background(), "doc")
	require.NoError(t, err)
	require.Equal(t, 0, rev)
}

func TestSessions_ConvergeOnConcurrentEdits(t *testing.T) {
	base, svc := newServer(t)
	alice := dial(t, base+"doc")
	bob := dial(t, base+"doc")

	col := ot.Placeholder(uuid.NewString())
	require.NoError(t, alice.Apply(ot.Operation{
		InsertCols: []ot.InsertCol{{ID: col, Name: "A"}},
	}))
	waitSynchronized(t, alice, 1)
	waitSynchronized(t, bob, 1)

	// Bob only knows the column by the id the server assigned.
	bobCols := bob.Grid().Snapshot().Columns
	require.Len(t, bobCols, 1)
	confirmedCol := bobCols[0].ID

	// Both sides of the same column edit concurrently.
	rowA, rowB := ot.Placeholder(uuid.NewString()), ot.Placeholder(uuid.NewString())
	require.NoError(t, alice.Apply(ot.Operation{
		InsertRows: []ot.InsertRow{{ID: rowA, Data: []ot.CellValue{{ColID: col, Value: "from alice"}}}},
	}))
	require.NoError(t, alice.Apply(ot.Operation{
		UpdateCells: []ot.UpdateCell{{RowID: rowA, ColID: col, Value: "alice again"}},
	}))
	require.NoError(t, bob.Apply(ot.Operation{
		InsertRows: []ot.InsertRow{{ID: rowB, Data: []ot.CellValue{{ColID: confirmedCol, Value: "from bob"}}}},
	}))

	var state core.DocumentState
	require.Eventually(t, func() bool {
		var err error
		state, err = svc.State(context.Background(), "doc")
		return err == nil && state.Revision >= 4
	}, 2*time.Second, 10*time.Millisecond, "server never reached revision 4")
	require.NoError(t, alice.Err())
	require.NoError(t, bob.Err())

	waitSynchronized(t, alice, state.Revision)
	waitSynchronized(t, bob, state.Revision)

	server := grid.FromSnapshot(state.Snapshot)
	require.True(t, server.Equal(alice.Grid()), "alice diverged")
	require.True(t, server.Equal(bob.Grid()), "bob diverged")
	rows, _ := server.Len()
	require.Equal(t, 2, rows)
}

func TestSession_ServerErrorEndsSession(t *testing.T) {
	base, _ := newServer(t)
	s := dial(t, base+"doc")

	// A revision the server never had.
	require.NoError(t, s.SendOperation(7, ot.Operation{DeleteRows: []ot.Identity{ot.Confirmed("r")}}))

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
	var serverErr *ServerError
	require.True(t, errors.As(s.Err(), &serverErr), "got %v", s.Err())
	require.Equal(t, "OT001", serverErr.Code)
	require.Error(t, s.Apply(ot.Operation{DeleteRows: []ot.Identity{ot.Confirmed("r")}}))
}

func TestSession_ResetRequestsResync(t *testing.T) {
	base, svc := newServer(t)
	s := dial(t, base+"doc")

	require.NoError(t, svc.Reset(context.Background(), "doc"))

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
	require.ErrorIs(t, s.Err(), ErrResync)
}

func TestDial_InvalidDocument(t *testing.T) {
	base, _ := newServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Dial(ctx, base+"bad.doc")
	require.Error(t, err)
}

func TestSession_TracksPresence(t *testing.T) {
	base, _ := newServer(t)
	alice := dial(t, base+"doc")
	require.Equal(t, 1, alice.Sessions())

	bob := dial(t, base+"doc")
	require.Equal(t, 2, bob.Sessions())
	require.Eventually(t, func() bool { return alice.Sessions() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool { return alice.Sessions() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, alice.Err())
}
