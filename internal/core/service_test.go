package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/gridsync/internal/broadcast"
	"github.com/JonMunkholm/gridsync/internal/config"
	"github.com/JonMunkholm/gridsync/internal/grid"
	"github.com/JonMunkholm/gridsync/internal/ot"
)

func newTestService(t *testing.T) (*Service, *broadcast.Local) {
	t.Helper()
	b := broadcast.NewLocal(16)
	t.Cleanup(func() { b.Close() })
	return NewService(NewMemoryBackend(), b, config.Defaults()), b
}

func insertColumn(symbol, name string) ot.Operation {
	return ot.Operation{InsertCols: []ot.InsertCol{{ID: ot.Placeholder(symbol), Name: name}}}
}

func TestService_SubmitAndState(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	accepted, err := svc.Submit(ctx, "doc", "alice", 0, insertColumn("c1", "Name"))
	require.NoError(t, err)
	require.Equal(t, 0, accepted.Revision)

	colID, ok := accepted.Operation.InsertCols[0].ID.ResolvedID()
	require.True(t, ok, "inserted column should be confirmed")

	state, err := svc.State(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, 1, state.Revision)
	require.Len(t, state.Snapshot.Columns, 1)
	require.Equal(t, colID, state.Snapshot.Columns[0].ID.String())
}

func TestService_SubmitBroadcastsWithOrigin(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sub, state, err := svc.Subscribe(ctx, "doc")
	require.NoError(t, err)
	defer sub.Close()
	require.Equal(t, 0, state.Revision)

	accepted, err := svc.Submit(ctx, "doc", "alice", 0, insertColumn("c1", "Name"))
	require.NoError(t, err)

	select {
	case msg := <-sub.C():
		require.Equal(t, "alice", msg.Origin)
		require.Equal(t, accepted.Revision, msg.Revision)
		if diff := cmp.Diff(accepted.Operation, msg.Operation); diff != "" {
			t.Errorf("broadcast operation mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(time.Second):
		t.Fatal("no broadcast received")
	}
}

func TestService_ConcurrentSubmissionsAreTransformed(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	setup, err := svc.Submit(ctx, "doc", "alice", 0, ot.Operation{
		InsertCols: []ot.InsertCol{{ID: ot.Placeholder("c"), Name: "A"}},
		InsertRows: []ot.InsertRow{{ID: ot.Placeholder("r")}},
	})
	require.NoError(t, err)
	col := setup.Operation.InsertCols[0].ID
	row := setup.Operation.InsertRows[0].ID

	// Both edits are made at revision 1; the deletion wins.
	_, err = svc.Submit(ctx, "doc", "alice", 1, ot.Operation{DeleteRows: []ot.Identity{row}})
	require.NoError(t, err)
	accepted, err := svc.Submit(ctx, "doc", "bob", 1, ot.Operation{
		UpdateCells: []ot.UpdateCell{{RowID: row, ColID: col, Value: "late"}},
	})
	require.NoError(t, err)
	require.Equal(t, 2, accepted.Revision)
	require.True(t, accepted.Operation.IsNoop())

	state, err := svc.State(ctx, "doc")
	require.NoError(t, err)
	require.Empty(t, state.Snapshot.Rows)
}

func TestService_RejectsBadInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Submit(ctx, "not a doc", "alice", 0, insertColumn("c1", "A"))
	require.ErrorIs(t, err, ErrInvalidDocumentID)

	_, err = svc.Submit(ctx, "doc", "alice", 5, insertColumn("c1", "A"))
	require.ErrorIs(t, err, ot.ErrRevisionOutOfRange)

	_, err = svc.Submit(ctx, "doc", "alice", 0, ot.Operation{})
	require.ErrorIs(t, err, ot.ErrProtocolViolation)

	rev, err := svc.Revision(ctx, "doc")
	require.NoError(t, err)
	require.Zero(t, rev)
}

func TestService_OperationsSince(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Submit(ctx, "doc", "alice", i, insertColumn(fmt.Sprintf("c%d", i), "A"))
		require.NoError(t, err)
	}

	ops, err := svc.Operations(ctx, "doc", 1)
	require.NoError(t, err)
	require.Len(t, ops, 2)

	_, err = svc.Operations(ctx, "doc", 4)
	require.ErrorIs(t, err, ot.ErrRevisionOutOfRange)
}

func TestService_ReloadRestoresLog(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Submit(ctx, "doc", "alice", 0, insertColumn("c1", "A"))
	require.NoError(t, err)
	before, err := svc.State(ctx, "doc")
	require.NoError(t, err)

	require.Equal(t, 1, svc.evictIdle(time.Now().Add(time.Hour)))
	require.Zero(t, svc.LoadedDocuments())

	after, err := svc.State(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestService_Reset(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Submit(ctx, "doc", "alice", 0, insertColumn("c1", "A"))
	require.NoError(t, err)

	sub, _, err := svc.Subscribe(ctx, "doc")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, svc.Reset(ctx, "doc"))

	msg := <-sub.C()
	require.True(t, msg.Reset)

	state, err := svc.State(ctx, "doc")
	require.NoError(t, err)
	require.Zero(t, state.Revision)
	require.True(t, grid.FromSnapshot(state.Snapshot).Equal(grid.New()))
}

type failingBroadcaster struct {
	*broadcast.Local
}

func (failingBroadcaster) Publish(context.Context, broadcast.Message) error {
	return errors.New("redis unavailable")
}

func TestService_BroadcastFailureStillCommits(t *testing.T) {
	b := failingBroadcaster{broadcast.NewLocal(0)}
	svc := NewService(NewMemoryBackend(), b, config.Defaults())
	ctx := context.Background()

	accepted, err := svc.Submit(ctx, "doc", "alice", 0, insertColumn("c1", "A"))
	require.ErrorIs(t, err, ErrBroadcastFailed)
	require.Equal(t, 0, accepted.Revision)

	rev, err := svc.Revision(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, 1, rev)
}

func TestService_ParallelSubmissions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Submit(ctx, "doc", fmt.Sprintf("client-%d", i), 0, insertColumn(fmt.Sprintf("c%d", i), "A"))
			if err != nil {
				t.Errorf("submit %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	state, err := svc.State(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, 10, state.Revision)
	require.Len(t, state.Snapshot.Columns, 10)
}

func TestService_AcquireSession(t *testing.T) {
	cfg := config.Defaults()
	cfg.Session.MaxConcurrent = 1
	svc := NewService(NewMemoryBackend(), broadcast.NewLocal(0), cfg)

	release, err := svc.AcquireSession()
	require.NoError(t, err)

	_, err = svc.AcquireSession()
	require.ErrorIs(t, err, ErrTooManySessions)

	release()
	release, err = svc.AcquireSession()
	require.NoError(t, err)
	release()
	require.Zero(t, svc.SessionStatus().Active)
}

func TestService_SessionsAndPresence(t *testing.T) {
	svc, b := newTestService(t)

	n, err := svc.Sessions("doc")
	require.NoError(t, err)
	require.Zero(t, n)

	sub := b.Subscribe("doc")
	defer sub.Close()
	n, err = svc.Sessions("doc")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, svc.AnnouncePresence(context.Background(), "doc"))
	msg := <-sub.C()
	require.True(t, msg.Presence)
	require.Equal(t, "doc", msg.DocID)

	_, err = svc.Sessions("bad/id")
	require.ErrorIs(t, err, ErrInvalidDocumentID)
}
