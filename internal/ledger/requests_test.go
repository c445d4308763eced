package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bridgekeeper/internal/bridgeerr"
)

func TestRequests_ReserveNew(t *testing.T) {
	_, l := setupTestLedger(t)
	ctx := context.Background()

	existing, reserved, err := l.ReserveRequest(ctx, BridgeRequest{
		ID: "req-1", Holder: "alice", Asset: "FIRE", Amount: 10,
	})
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Nil(t, existing)

	req, err := l.FindRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, RequestPending, req.Status)
	assert.Equal(t, "alice", req.Holder)
	assert.Equal(t, int64(10), req.Amount)
	assert.Nil(t, req.Signature)
	assert.Equal(t, int64(0), req.IssuedAt)
	assert.Equal(t, fixedNow, req.CreatedAt)
}

func TestRequests_ReservePendingReturnsExisting(t *testing.T) {
	_, l := setupTestLedger(t)
	ctx := context.Background()
	req := BridgeRequest{ID: "req-1", Holder: "alice", Asset: "FIRE", Amount: 10}

	_, reserved, err := l.ReserveRequest(ctx, req)
	require.NoError(t, err)
	require.True(t, reserved)

	existing, reserved, err := l.ReserveRequest(ctx, req)
	require.NoError(t, err)
	assert.False(t, reserved)
	require.NotNil(t, existing)
	assert.Equal(t, RequestPending, existing.Status)
	assert.True(t, existing.Matches("alice", "FIRE", 10))
	assert.False(t, existing.Matches("alice", "FIRE", 11))
}

func TestRequests_CompleteThenReserveReturnsIssued(t *testing.T) {
	_, l := setupTestLedger(t)
	ctx := context.Background()
	req := BridgeRequest{ID: "req-1", Holder: "alice", Asset: "FIRE", Amount: 10}

	_, _, err := l.ReserveRequest(ctx, req)
	require.NoError(t, err)
	require.NoError(t, l.CompleteRequest(ctx, "req-1", []byte{1, 2, 3}, 1717243200))

	existing, reserved, err := l.ReserveRequest(ctx, req)
	require.NoError(t, err)
	assert.False(t, reserved)
	require.NotNil(t, existing)
	assert.Equal(t, RequestIssued, existing.Status)
	assert.Equal(t, []byte{1, 2, 3}, existing.Signature)
	assert.Equal(t, int64(1717243200), existing.IssuedAt)

	// An issued request is final.
	err = l.FailRequest(ctx, "req-1")
	assert.True(t, errors.Is(err, bridgeerr.NotFound))
}

func TestRequests_FailedIdCanBeReclaimed(t *testing.T) {
	_, l := setupTestLedger(t)
	ctx := context.Background()

	_, _, err := l.ReserveRequest(ctx, BridgeRequest{ID: "req-1", Holder: "alice", Asset: "FIRE", Amount: 10})
	require.NoError(t, err)
	require.NoError(t, l.FailRequest(ctx, "req-1"))

	req, err := l.FindRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, RequestFailed, req.Status)

	_, reserved, err := l.ReserveRequest(ctx, BridgeRequest{ID: "req-1", Holder: "alice", Asset: "FIRE", Amount: 20})
	require.NoError(t, err)
	assert.True(t, reserved)

	req, err = l.FindRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, RequestPending, req.Status)
	assert.Equal(t, int64(20), req.Amount)
}

func TestRequests_TransitionUnknown(t *testing.T) {
	_, l := setupTestLedger(t)
	ctx := context.Background()

	err := l.CompleteRequest(ctx, "missing", []byte{1}, 1)
	assert.True(t, errors.Is(err, bridgeerr.NotFound))

	_, err = l.FindRequest(ctx, "missing")
	assert.True(t, errors.Is(err, bridgeerr.NotFound))
}

func TestRequests_ReserveRejectsBadAmount(t *testing.T) {
	_, l := setupTestLedger(t)

	_, _, err := l.ReserveRequest(context.Background(), BridgeRequest{ID: "r", Holder: "a", Asset: "FIRE", Amount: 0})
	assert.True(t, errors.Is(err, bridgeerr.InvalidAmount))
}

func TestRequests_StalePending(t *testing.T) {
	_, l := setupTestLedger(t)
	ctx := context.Background()

	for _, id := range []string{"b", "a", "c"} {
		_, _, err := l.ReserveRequest(ctx, BridgeRequest{ID: id, Holder: "alice", Asset: "FIRE", Amount: 1})
		require.NoError(t, err)
	}
	require.NoError(t, l.CompleteRequest(ctx, "c", []byte{9}, 1))

	stale, err := l.StalePending(ctx, fixedNow.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, "a", stale[0].ID)
	assert.Equal(t, "b", stale[1].ID)

	stale, err = l.StalePending(ctx, fixedNow)
	require.NoError(t, err)
	assert.Empty(t, stale)
}
