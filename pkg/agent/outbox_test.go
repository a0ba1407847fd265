package agent

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forge-run/forge/pkg/models"
)

func newTestOutbox(t *testing.T) (*Outbox, Workspace) {
	t.Helper()
	ws := NewWorkspace(t.TempDir())
	return NewOutbox(ws), ws
}

func TestOutbox_EnqueueAndDrain(t *testing.T) {
	ob, ws := newTestOutbox(t)
	ctx := context.Background()

	require.NoError(t, ob.Enqueue(StatusUpdate{
		TaskID: "t1", ProjectID: "p1", Status: models.StatusCompleted,
		Result: &models.TaskResult{Success: true},
	}))
	n, err := ob.Pending()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var delivered []StatusUpdate
	require.NoError(t, ob.Drain(ctx, func(ctx context.Context, u StatusUpdate) error {
		delivered = append(delivered, u)
		return nil
	}))
	require.Len(t, delivered, 1)
	assert.Equal(t, "t1", delivered[0].TaskID)
	assert.Equal(t, models.StatusCompleted, delivered[0].Status)

	// Delivered items are removed and the empty queue file is cleaned up.
	n, err = ob.Pending()
	require.NoError(t, err)
	assert.Zero(t, n)
	_, statErr := os.Stat(ws.OutboxPath())
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestOutbox_LastWriterWinsPerTask(t *testing.T) {
	ob, _ := newTestOutbox(t)

	require.NoError(t, ob.Enqueue(StatusUpdate{TaskID: "t1", ProjectID: "p1", Status: models.StatusStuck}))
	require.NoError(t, ob.Enqueue(StatusUpdate{TaskID: "t2", ProjectID: "p1", Status: models.StatusFailed}))
	require.NoError(t, ob.Enqueue(StatusUpdate{TaskID: "t1", ProjectID: "p1", Status: models.StatusCompleted}))

	items, err := ob.load()
	require.NoError(t, err)
	require.Len(t, items, 2)
	byTask := map[string]models.TaskStatus{}
	for _, u := range items {
		byTask[u.TaskID] = u.Status
	}
	assert.Equal(t, models.StatusCompleted, byTask["t1"])
	assert.Equal(t, models.StatusFailed, byTask["t2"])
}

func TestOutbox_FailedDeliveryBumpsAttempts(t *testing.T) {
	ob, _ := newTestOutbox(t)
	ctx := context.Background()

	require.NoError(t, ob.Enqueue(StatusUpdate{TaskID: "t1", ProjectID: "p1", Status: models.StatusFailed}))

	failing := func(ctx context.Context, u StatusUpdate) error {
		return errors.New("coordinator down")
	}
	require.NoError(t, ob.Drain(ctx, failing))

	items, err := ob.load()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Attempts)
	assert.NotNil(t, items[0].LastAttempt)
}

func TestOutbox_AttemptCapBoundary(t *testing.T) {
	ob, _ := newTestOutbox(t)
	ctx := context.Background()

	// An item one attempt below the cap gets its final try.
	require.NoError(t, ob.Enqueue(StatusUpdate{TaskID: "t1", ProjectID: "p1", Status: models.StatusFailed}))
	items, err := ob.load()
	require.NoError(t, err)
	items[0].Attempts = outboxMaxAttempts - 1
	require.NoError(t, ob.save(items))

	tried := 0
	require.NoError(t, ob.Drain(ctx, func(ctx context.Context, u StatusUpdate) error {
		tried++
		return errors.New("still down")
	}))
	assert.Equal(t, 1, tried)

	// The failed final try pushed it to the cap; it is discarded, not retried.
	n, err := ob.Pending()
	require.NoError(t, err)
	assert.Zero(t, n)

	tried = 0
	require.NoError(t, ob.Drain(ctx, func(ctx context.Context, u StatusUpdate) error {
		tried++
		return nil
	}))
	assert.Zero(t, tried)
}

func TestOutbox_SuccessOnFinalAttemptDelivers(t *testing.T) {
	ob, _ := newTestOutbox(t)
	ctx := context.Background()

	require.NoError(t, ob.Enqueue(StatusUpdate{TaskID: "t1", ProjectID: "p1", Status: models.StatusCompleted}))
	items, err := ob.load()
	require.NoError(t, err)
	items[0].Attempts = outboxMaxAttempts - 1
	require.NoError(t, ob.save(items))

	delivered := 0
	require.NoError(t, ob.Drain(ctx, func(ctx context.Context, u StatusUpdate) error {
		delivered++
		return nil
	}))
	assert.Equal(t, 1, delivered)

	n, err := ob.Pending()
	require.NoError(t, err)
	assert.Zero(t, n)
}
