package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/dashsync/modules/layouts/domain/region"
	"github.com/iota-uz/dashsync/pkg/retry"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

var (
	errNetwork  = fmt.Errorf("%w: connection reset", ErrNetworkFailure)
	errRejected = fmt.Errorf("%w: region does not fit", ErrValidationRejected)
)

func newTestStore(t *testing.T, gw Gateway, configure ...func(*StoreOptions)) *RegionStore {
	t.Helper()
	opts := StoreOptions{
		Debounce: 500 * time.Millisecond,
		Retry: retry.Options{
			Attempts:  2,
			BaseDelay: time.Millisecond,
			MaxDelay:  5 * time.Millisecond,
			Clock:     clockwork.NewRealClock(),
		},
	}
	for _, fn := range configure {
		fn(&opts)
	}
	store := NewRegionStore(gw, opts)
	t.Cleanup(store.Close)
	return store
}

func withClock(clock clockwork.Clock) func(*StoreOptions) {
	return func(o *StoreOptions) { o.Clock = clock }
}

func withDebounce(d time.Duration) func(*StoreOptions) {
	return func(o *StoreOptions) { o.Debounce = d }
}

func remoteRegion(id, layoutID string, version int64) region.Remote {
	return region.Remote{
		Region: region.Region{
			ID:       id,
			LayoutID: layoutID,
			Type:     region.TypeAnalytics,
			RowSpan:  4,
			ColSpan:  6,
		},
		Version: version,
	}
}

func loaded(t *testing.T, store *RegionStore, layoutID string) []region.Region {
	t.Helper()
	list, err := store.LoadRegions(context.Background(), layoutID)
	require.NoError(t, err)
	return list
}

type collector[T any] struct {
	mu     sync.Mutex
	events []T
}

func collect[T any](store *RegionStore) *collector[T] {
	c := &collector[T]{}
	store.EventBus().Subscribe(func(e T) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events = append(c.events, e)
	})
	return c
}

func (c *collector[T]) all() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]T, len(c.events))
	copy(out, c.events)
	return out
}

func ids(list []region.Region) []string {
	out := make([]string, len(list))
	for i, r := range list {
		out[i] = r.ID
	}
	return out
}

func loadAsync(store *RegionStore, layoutID string) <-chan error {
	done := make(chan error, 1)
	go func() {
		_, err := store.LoadRegions(context.Background(), layoutID)
		done <- err
	}()
	return done
}

type addResult struct {
	region region.Region
	err    error
}

func addAsync(store *RegionStore, layoutID string, typ region.Type, pos *region.Position, opts ...AddOption) <-chan addResult {
	done := make(chan addResult, 1)
	go func() {
		r, err := store.AddRegion(context.Background(), layoutID, typ, pos, opts...)
		done <- addResult{region: r, err: err}
	}()
	return done
}

func TestRegionStore_AddRegion_OptimisticThenConfirmed(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gate := make(chan struct{})
	gw.createGate = gate
	store := newTestStore(t, gw)
	confirmed := collect[*RegionConfirmedEvent](store)

	done := addAsync(store, "L1", region.TypeAnalytics, &region.Position{Row: 0, Col: 0})

	require.Eventually(t, func() bool { return len(store.RegionsByLayout("L1")) == 1 }, waitFor, tick)
	pending := store.VersionedRegionsByLayout("L1")[0]
	assert.True(t, pending.Optimistic())
	assert.True(t, region.IsTempID(pending.ID))
	assert.Equal(t, StatePending, pending.State)
	assert.Equal(t, region.TypeAnalytics, pending.Type)
	assert.Equal(t, region.DefaultColSpan, pending.ColSpan)

	close(gate)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "r1", res.region.ID)

	list := store.VersionedRegionsByLayout("L1")
	require.Len(t, list, 1)
	assert.Equal(t, "r1", list[0].ID)
	assert.False(t, list[0].Optimistic())
	assert.Equal(t, int64(1), list[0].Version)
	assert.Equal(t, StateConfirmed, list[0].State)

	byTemp, ok := store.Region(pending.ID)
	require.True(t, ok)
	assert.Equal(t, "r1", byTemp.ID)

	events := confirmed.all()
	require.Len(t, events, 1)
	assert.Equal(t, "r1", events[0].Region.ID)
	assert.Equal(t, int64(1), events[0].Version)
}

func TestRegionStore_AddRegion_DefaultPlacementBelowExisting(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	existing := remoteRegion("a", "L1", 1)
	existing.GridRow = 2
	existing.RowSpan = 3
	gw.seed(existing)
	store := newTestStore(t, gw)
	loaded(t, store, "L1")

	r, err := store.AddRegion(context.Background(), "L1", region.TypeNotes, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, r.GridRow)
	assert.Equal(t, 0, r.GridCol)
	assert.Equal(t, region.DefaultRowSpan, r.RowSpan)
}

func TestRegionStore_AddThenLoad_NoDuplicate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("load while create is in flight", func(t *testing.T) {
		t.Parallel()
		gw := newFakeGateway()
		gate := make(chan struct{})
		gw.createGate = gate
		store := newTestStore(t, gw)

		done := addAsync(store, "L1", region.TypeBilling, nil)
		require.Eventually(t, func() bool {
			_, ok := gw.server("r1")
			return ok
		}, waitFor, tick)

		_, err := store.LoadRegions(ctx, "L1")
		require.NoError(t, err)

		close(gate)
		require.NoError(t, (<-done).err)

		assert.Equal(t, []string{"r1"}, ids(store.RegionsByLayout("L1")))
		assert.Equal(t, []string{"r1"}, ids(loaded(t, store, "L1")))
	})

	t.Run("load right after create", func(t *testing.T) {
		t.Parallel()
		gw := newFakeGateway()
		store := newTestStore(t, gw)

		r, err := store.AddRegion(ctx, "L1", region.TypeBilling, nil)
		require.NoError(t, err)

		assert.Equal(t, []string{r.ID}, ids(loaded(t, store, "L1")))
		assert.Equal(t, []string{r.ID}, ids(loaded(t, store, "L1")))
	})
}

func TestRegionStore_AddRegion_UpdateDuringCreateCarriesOver(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gate := make(chan struct{})
	gw.createGate = gate
	store := newTestStore(t, gw, withDebounce(10*time.Millisecond))

	done := addAsync(store, "L1", region.TypeNotes, &region.Position{})
	require.Eventually(t, func() bool { return len(store.RegionsByLayout("L1")) == 1 }, waitFor, tick)
	tempID := store.RegionsByLayout("L1")[0].ID

	require.NoError(t, store.UpdateRegion(context.Background(), "L1", tempID, region.Patch{GridRow: region.Int(8)}, true))
	tmp, ok := store.Region(tempID)
	require.True(t, ok)
	assert.Equal(t, 8, tmp.GridRow)
	assert.Equal(t, int64(0), tmp.Version)

	close(gate)
	require.NoError(t, (<-done).err)

	require.Eventually(t, func() bool {
		v, ok := store.Region("r1")
		return ok && v.State == StateConfirmed && v.Version == 2
	}, waitFor, tick)
	server, ok := gw.server("r1")
	require.True(t, ok)
	assert.Equal(t, 8, server.GridRow)
	assert.Len(t, gw.recordedUpdates(), 1)
}

func TestRegionStore_AddRegion_Failures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("unknown type", func(t *testing.T) {
		t.Parallel()
		store := newTestStore(t, newFakeGateway())
		_, err := store.AddRegion(ctx, "L1", region.Type("weather"), nil)
		require.ErrorIs(t, err, ErrUnknownRegionType)
		assert.Empty(t, store.RegionsByLayout("L1"))
	})

	t.Run("create rejected", func(t *testing.T) {
		t.Parallel()
		gw := newFakeGateway()
		gw.fail("create", errRejected)
		store := newTestStore(t, gw)
		rolled := collect[*RegionRolledBackEvent](store)

		_, err := store.AddRegion(ctx, "L1", region.TypeNotes, nil)
		require.ErrorIs(t, err, ErrValidationRejected)
		assert.Empty(t, store.RegionsByLayout("L1"))

		events := rolled.all()
		require.Len(t, events, 1)
		assert.Equal(t, "create", events[0].Op)
		require.NotNil(t, events[0].Discarded)
		assert.Equal(t, StateRolledBack, events[0].Discarded.State)
	})

	t.Run("link failure compensates create", func(t *testing.T) {
		t.Parallel()
		gw := newFakeGateway()
		gw.fail("link", errRejected)
		store := newTestStore(t, gw)

		_, err := store.AddRegion(ctx, "L1", region.TypeWorkOrders, nil, WithLinkage(region.Linkage{Resource: "work_order", ResourceID: "wo-1"}))
		require.ErrorIs(t, err, ErrValidationRejected)

		var sagaErr *retry.SagaError
		require.ErrorAs(t, err, &sagaErr)
		assert.Equal(t, "link", sagaErr.Step)

		assert.Empty(t, store.RegionsByLayout("L1"))
		_, onServer := gw.server("r1")
		assert.False(t, onServer)
		assert.Equal(t, 1, gw.callCount("delete"))
	})

	t.Run("link success", func(t *testing.T) {
		t.Parallel()
		gw := newFakeGateway()
		store := newTestStore(t, gw)

		r, err := store.AddRegion(ctx, "L1", region.TypeWorkOrders, nil, WithLinkage(region.Linkage{Resource: "work_order", ResourceID: "wo-1"}))
		require.NoError(t, err)
		gw.mu.Lock()
		link := gw.links[r.ID]
		gw.mu.Unlock()
		assert.Equal(t, "wo-1", link.ResourceID)
	})
}

func TestRegionStore_DebouncedUpdatesCoalesce(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	gw := newFakeGateway()
	gw.seed(remoteRegion("r1", "L1", 1))
	store := newTestStore(t, gw, withClock(clock))
	loaded(t, store, "L1")
	ctx := context.Background()

	require.NoError(t, store.UpdateRegion(ctx, "L1", "r1", region.Patch{GridRow: region.Int(1)}, true))
	clock.Advance(200 * time.Millisecond)
	require.NoError(t, store.UpdateRegion(ctx, "L1", "r1", region.Patch{GridCol: region.Int(5)}, true))

	v, ok := store.Region("r1")
	require.True(t, ok)
	assert.Equal(t, 1, v.GridRow)
	assert.Equal(t, 5, v.GridCol)
	assert.Equal(t, int64(2), v.Version)
	assert.Equal(t, StatePending, v.State)
	assert.Empty(t, gw.recordedUpdates())

	clock.Advance(500 * time.Millisecond)

	require.Eventually(t, func() bool {
		v, _ := store.Region("r1")
		return v.State == StateConfirmed
	}, waitFor, tick)

	updates := gw.recordedUpdates()
	require.Len(t, updates, 1)
	require.NotNil(t, updates[0].Patch.GridRow)
	require.NotNil(t, updates[0].Patch.GridCol)
	assert.Equal(t, 1, *updates[0].Patch.GridRow)
	assert.Equal(t, 5, *updates[0].Patch.GridCol)
	assert.Equal(t, int64(1), updates[0].Expected)

	v, _ = store.Region("r1")
	assert.Equal(t, int64(2), v.Version)
	assert.Nil(t, v.Pending)
}

func TestRegionStore_UpdateRegion_ClampsAndRespectsLock(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	locked := remoteRegion("r1", "L1", 1)
	locked.IsLocked = true
	gw.seed(locked)
	gw.seed(remoteRegion("r2", "L1", 1))
	store := newTestStore(t, gw)
	loaded(t, store, "L1")
	ctx := context.Background()

	err := store.UpdateRegion(ctx, "L1", "r1", region.Patch{GridRow: region.Int(3)}, false)
	require.ErrorIs(t, err, ErrRegionLocked)

	require.NoError(t, store.UpdateRegion(ctx, "L1", "r1", region.Patch{IsCollapsed: region.Bool(true)}, false))
	require.NoError(t, store.UpdateRegion(ctx, "L1", "r1", region.Patch{IsLocked: region.Bool(false), GridRow: region.Int(3)}, false))
	v, _ := store.Region("r1")
	assert.Equal(t, 3, v.GridRow)
	assert.False(t, v.IsLocked)
	assert.Equal(t, int64(3), v.Version)

	require.NoError(t, store.UpdateRegion(ctx, "L1", "r2", region.Patch{GridCol: region.Int(9), RowSpan: region.Int(50)}, false))
	v, _ = store.Region("r2")
	assert.Equal(t, 6, v.GridCol)
	assert.Equal(t, 20, v.RowSpan)
	server, _ := gw.server("r2")
	assert.Equal(t, 6, server.GridCol)

	err = store.UpdateRegion(ctx, "L2", "r2", region.Patch{GridRow: region.Int(1)}, false)
	require.ErrorIs(t, err, ErrRegionNotFound)
}

func TestRegionStore_FailedRemoveRestoresExactState(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	rm := remoteRegion("r1", "L1", 3)
	rm.IsCollapsed = true
	rm.Order = region.Int(2)
	gw.seed(rm)
	store := newTestStore(t, gw)
	loaded(t, store, "L1")
	rolled := collect[*RegionRolledBackEvent](store)

	before, ok := store.Region("r1")
	require.True(t, ok)

	gw.fail("delete", errNetwork, errNetwork)
	err := store.RemoveRegion(context.Background(), "L1", "r1")
	require.ErrorIs(t, err, ErrNetworkFailure)
	assert.Equal(t, 2, gw.callCount("delete"))

	after, ok := store.Region("r1")
	require.True(t, ok)
	assert.Equal(t, before, after)

	events := rolled.all()
	require.Len(t, events, 1)
	assert.Equal(t, "delete", events[0].Op)
	assert.Equal(t, "r1", events[0].RegionID)
}

func TestRegionStore_RemoveRegion(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gw.seed(remoteRegion("r1", "L1", 1))
	gw.seed(remoteRegion("r2", "L1", 1))
	store := newTestStore(t, gw)
	loaded(t, store, "L1")
	ctx := context.Background()

	require.NoError(t, store.RemoveRegion(ctx, "L1", "r1"))
	assert.Equal(t, []string{"r2"}, ids(store.RegionsByLayout("L1")))

	// Already gone on the server counts as removed.
	require.NoError(t, gw.Delete(ctx, "L1", "r2"))
	require.NoError(t, store.RemoveRegion(ctx, "L1", "r2"))
	assert.Empty(t, store.RegionsByLayout("L1"))

	require.ErrorIs(t, store.RemoveRegion(ctx, "L1", "r2"), ErrRegionNotFound)
}

func TestRegionStore_LoadReadBeforeRemoveDoesNotRestoreRegion(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gw.seed(remoteRegion("r1", "L1", 1))
	gw.seed(remoteRegion("r2", "L1", 1))
	store := newTestStore(t, gw)
	loaded(t, store, "L1")
	ctx := context.Background()

	gate := gw.gateList()
	done := loadAsync(store, "L1")
	require.Eventually(t, func() bool { return gw.callCount("list") == 2 }, waitFor, tick)

	require.NoError(t, store.RemoveRegion(ctx, "L1", "r1"))
	close(gate)
	require.NoError(t, <-done)

	_, onServer := gw.server("r1")
	assert.False(t, onServer)
	assert.Equal(t, []string{"r2"}, ids(store.RegionsByLayout("L1")))

	// A load started after the delete sees the server as it is.
	assert.Equal(t, []string{"r2"}, ids(loaded(t, store, "L1")))
	store.ApplyServerState(remoteRegion("r1", "L1", 1))
	assert.Equal(t, []string{"r1", "r2"}, ids(store.RegionsByLayout("L1")))
}

func TestRegionStore_ApplyServerStateDuringRemove(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gw.seed(remoteRegion("r1", "L1", 1))
	store := newTestStore(t, gw)
	loaded(t, store, "L1")

	gw.onDelete = func() { store.ApplyServerState(remoteRegion("r1", "L1", 1)) }
	require.NoError(t, store.RemoveRegion(context.Background(), "L1", "r1"))
	assert.Empty(t, store.RegionsByLayout("L1"))
}

func TestRegionStore_StaleWriteResponseKeepsLocalState(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	seeded := remoteRegion("r1", "L1", 5)
	gw.seed(seeded)
	store := newTestStore(t, gw)
	loaded(t, store, "L1")
	conflicts := collect[*RegionConflictedEvent](store)

	gw.onUpdate = func(string, string, region.Patch, int64) (region.Remote, error) {
		return seeded, nil
	}

	err := store.UpdateRegion(context.Background(), "L1", "r1", region.Patch{GridRow: region.Int(7)}, false)
	require.NoError(t, err)

	v, ok := store.Region("r1")
	require.True(t, ok)
	assert.Equal(t, 7, v.GridRow)
	assert.Equal(t, int64(6), v.Version)
	assert.Equal(t, StateConflicted, v.State)
	assert.NotNil(t, v.Pending)

	c, ok := store.Conflict("r1")
	require.True(t, ok)
	assert.Equal(t, ConflictWriteMismatch, c.Reason)
	assert.Equal(t, int64(6), c.LocalVersion)
	assert.Equal(t, int64(5), c.RemoteVersion)
	require.NotNil(t, c.RemoteState)
	assert.Equal(t, 0, c.RemoteState.GridRow)
	assert.NotEmpty(t, c.Diff)
	assert.True(t, c.Blocking())

	require.Len(t, conflicts.all(), 1)
	assert.Len(t, store.Conflicts("L1"), 1)
}

func TestRegionStore_LoadKeepsNewerLocalVersion(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	gw := newFakeGateway()
	gw.seed(remoteRegion("r1", "L1", 1))
	store := newTestStore(t, gw, withClock(clock))
	loaded(t, store, "L1")
	ctx := context.Background()

	require.NoError(t, store.UpdateRegion(ctx, "L1", "r1", region.Patch{GridRow: region.Int(3)}, true))
	loaded(t, store, "L1")

	v, _ := store.Region("r1")
	assert.Equal(t, 3, v.GridRow)
	assert.Equal(t, int64(2), v.Version)
	assert.Equal(t, StatePending, v.State)

	c, ok := store.Conflict("r1")
	require.True(t, ok)
	assert.Equal(t, ConflictStaleLoad, c.Reason)
	assert.False(t, c.Blocking())
	assert.Equal(t, int64(2), c.LocalVersion)
	assert.Equal(t, int64(1), c.RemoteVersion)

	// Applying the same stale state again keeps a single conflict.
	store.ApplyServerState(remoteRegion("r1", "L1", 1))
	assert.Len(t, store.Conflicts("L1"), 1)
}

func versionMismatchFixture(t *testing.T) (*fakeGateway, *RegionStore) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	gw := newFakeGateway()
	gw.seed(remoteRegion("r1", "L1", 1))
	store := newTestStore(t, gw, withClock(clock))
	loaded(t, store, "L1")

	require.NoError(t, store.UpdateRegion(context.Background(), "L1", "r1", region.Patch{GridRow: region.Int(3)}, true))

	someoneElse := remoteRegion("r1", "L1", 2)
	someoneElse.GridRow = 9
	gw.seed(someoneElse)
	loaded(t, store, "L1")

	v, _ := store.Region("r1")
	require.Equal(t, StateConflicted, v.State)
	require.Equal(t, 3, v.GridRow)
	c, ok := store.Conflict("r1")
	require.True(t, ok)
	require.Equal(t, ConflictVersionMismatch, c.Reason)
	require.Equal(t, 9, c.RemoteState.GridRow)
	return gw, store
}

func TestRegionStore_ResolveConflict_KeepLocal(t *testing.T) {
	t.Parallel()
	gw, store := versionMismatchFixture(t)

	require.NoError(t, store.ResolveConflict(context.Background(), "r1", KeepLocal))

	v, _ := store.Region("r1")
	assert.Equal(t, StateConfirmed, v.State)
	assert.Equal(t, int64(3), v.Version)
	assert.Equal(t, 3, v.GridRow)

	server, _ := gw.server("r1")
	assert.Equal(t, int64(3), server.Version)
	assert.Equal(t, 3, server.GridRow)

	updates := gw.recordedUpdates()
	require.Len(t, updates, 1)
	assert.Equal(t, int64(2), updates[0].Expected)
	assert.Empty(t, store.Conflicts("L1"))
}

func TestRegionStore_ResolveConflict_AcceptRemote(t *testing.T) {
	t.Parallel()
	gw, store := versionMismatchFixture(t)

	require.NoError(t, store.ResolveConflict(context.Background(), "r1", AcceptRemote))

	v, _ := store.Region("r1")
	assert.Equal(t, StateConfirmed, v.State)
	assert.Equal(t, int64(2), v.Version)
	assert.Equal(t, 9, v.GridRow)
	assert.Nil(t, v.Pending)
	assert.Empty(t, gw.recordedUpdates())

	require.ErrorIs(t, store.ResolveConflict(context.Background(), "r1", AcceptRemote), ErrNoConflict)
}

func TestRegionStore_VersionConflictResponse(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gw.seed(remoteRegion("r1", "L1", 1))
	store := newTestStore(t, gw)
	loaded(t, store, "L1")

	moved := remoteRegion("r1", "L1", 4)
	moved.GridCol = 2
	gw.seed(moved)

	err := store.UpdateRegion(context.Background(), "L1", "r1", region.Patch{IsCollapsed: region.Bool(true)}, false)
	require.NoError(t, err, "version conflicts are recorded, not returned")

	v, _ := store.Region("r1")
	assert.Equal(t, StateConflicted, v.State)
	assert.True(t, v.IsCollapsed)
	assert.Equal(t, int64(4), v.Version)

	c, ok := store.Conflict("r1")
	require.True(t, ok)
	assert.Equal(t, int64(4), c.RemoteVersion)
	assert.Equal(t, 2, c.RemoteState.GridCol)

	// Conflicted regions are not written until resolved.
	require.NoError(t, store.FlushUpdates(context.Background(), "L1"))
	assert.Len(t, gw.recordedUpdates(), 1)
}

func TestRegionStore_UpdateNotFoundRollsBack(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gw.seed(remoteRegion("r1", "L1", 1))
	store := newTestStore(t, gw)
	loaded(t, store, "L1")
	rolled := collect[*RegionRolledBackEvent](store)
	ctx := context.Background()

	require.NoError(t, gw.Delete(ctx, "L1", "r1"))
	err := store.UpdateRegion(ctx, "L1", "r1", region.Patch{GridRow: region.Int(4)}, false)
	require.ErrorIs(t, err, ErrNotFound)

	_, ok := store.Region("r1")
	assert.False(t, ok)

	events := rolled.all()
	require.Len(t, events, 1)
	assert.Equal(t, "update", events[0].Op)
	require.NotNil(t, events[0].Discarded)
	assert.Equal(t, StateRolledBack, events[0].Discarded.State)
	assert.Equal(t, 4, events[0].Discarded.GridRow)
}

func TestRegionStore_SoftFailureKeepsOptimisticState(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gw.seed(remoteRegion("r1", "L1", 1))
	store := newTestStore(t, gw)
	loaded(t, store, "L1")
	ctx := context.Background()

	gw.fail("update", errNetwork, errNetwork)
	err := store.UpdateRegion(ctx, "L1", "r1", region.Patch{GridRow: region.Int(2)}, false)
	require.ErrorIs(t, err, ErrNetworkFailure)

	v, _ := store.Region("r1")
	assert.Equal(t, 2, v.GridRow)
	assert.Equal(t, int64(2), v.Version)
	assert.Equal(t, StatePending, v.State)
	require.NotNil(t, v.Pending)

	require.NoError(t, store.FlushUpdates(ctx, "L1"))
	v, _ = store.Region("r1")
	assert.Equal(t, StateConfirmed, v.State)
	assert.Equal(t, int64(2), v.Version)

	updates := gw.recordedUpdates()
	require.Len(t, updates, 3)
	assert.Equal(t, int64(1), updates[2].Expected)
}

func TestRegionStore_ValidationRejectedFlagsRegion(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gw.seed(remoteRegion("r1", "L1", 1))
	store := newTestStore(t, gw)
	loaded(t, store, "L1")
	ctx := context.Background()

	gw.fail("update", errRejected)
	err := store.UpdateRegion(ctx, "L1", "r1", region.Patch{GridRow: region.Int(2)}, false)
	require.ErrorIs(t, err, ErrValidationRejected)
	assert.Len(t, gw.recordedUpdates(), 1, "rejections are not retried")

	v, _ := store.Region("r1")
	assert.Equal(t, StateConflicted, v.State)
	assert.Equal(t, 2, v.GridRow)
	assert.Equal(t, int64(1), v.Version)

	c, ok := store.Conflict("r1")
	require.True(t, ok)
	assert.Equal(t, ConflictRejected, c.Reason)

	require.NoError(t, store.ResolveConflict(ctx, "r1", AcceptRemote))
	v, _ = store.Region("r1")
	assert.Equal(t, StateConfirmed, v.State)
	assert.Equal(t, 0, v.GridRow)
	assert.Equal(t, int64(1), v.Version)
}

func TestRegionStore_LoadLastCallWins(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gw.seed(remoteRegion("r1", "L1", 1))
	gate := make(chan struct{})
	gw.listGate = gate
	store := newTestStore(t, gw)

	first := make(chan error, 1)
	go func() {
		_, err := store.LoadRegions(context.Background(), "L1")
		first <- err
	}()
	require.Eventually(t, func() bool { return gw.callCount("list") == 1 }, waitFor, tick)
	assert.True(t, store.IsLoading("L1"))

	assert.Equal(t, []string{"r1"}, ids(loaded(t, store, "L1")))

	close(gate)
	require.ErrorIs(t, <-first, ErrLoadSuperseded)
	assert.False(t, store.IsLoading("L1"))
	assert.NoError(t, store.Error("L1"))
}

func TestRegionStore_LoadFailureIsAbsorbed(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gw.seed(remoteRegion("r1", "L1", 1))
	store := newTestStore(t, gw)
	loaded(t, store, "L1")
	layoutLoaded := collect[*LayoutLoadedEvent](store)

	gw.fail("list", errRejected)
	stale, err := store.LoadRegions(context.Background(), "L1")
	require.ErrorIs(t, err, ErrValidationRejected)
	assert.Equal(t, []string{"r1"}, ids(stale))
	require.ErrorIs(t, store.Error("L1"), ErrValidationRejected)
	assert.False(t, store.IsLoading("L1"))

	loaded(t, store, "L1")
	assert.NoError(t, store.Error("L1"))
	assert.Len(t, layoutLoaded.all(), 1)
}

func TestRegionStore_LoadDropsRegionsDeletedRemotely(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gw.seed(remoteRegion("r1", "L1", 1))
	gw.seed(remoteRegion("r2", "L1", 1))
	gw.seed(remoteRegion("x1", "L2", 1))
	store := newTestStore(t, gw)
	loaded(t, store, "L1")
	loaded(t, store, "L2")

	require.NoError(t, gw.Delete(context.Background(), "L1", "r2"))
	assert.Equal(t, []string{"r1"}, ids(loaded(t, store, "L1")))
	assert.Equal(t, []string{"x1"}, ids(store.RegionsByLayout("L2")))
}

func TestRegionStore_ApplyServerStateIsIdempotent(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gw.seed(remoteRegion("r1", "L1", 1))
	store := newTestStore(t, gw)
	loaded(t, store, "L1")

	newer := remoteRegion("r1", "L1", 2)
	newer.GridRow = 5
	store.ApplyServerState(newer)
	first, _ := store.Region("r1")
	store.ApplyServerState(newer)
	second, _ := store.Region("r1")

	assert.Equal(t, first, second)
	assert.Equal(t, 5, second.GridRow)
	assert.Equal(t, int64(2), second.Version)
	assert.Empty(t, store.Conflicts("L1"))
}

func TestRegionStore_ReorderRegions(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	for i, id := range []string{"a", "b", "c"} {
		rm := remoteRegion(id, "L1", 1)
		rm.Order = region.Int(i)
		gw.seed(rm)
	}
	store := newTestStore(t, gw)
	loaded(t, store, "L1")
	ctx := context.Background()

	require.NoError(t, store.ReorderRegions(ctx, "L1", []string{"c", "a", "b"}))
	assert.Equal(t, []string{"c", "a", "b"}, ids(store.RegionsByLayout("L1")))
	require.Len(t, gw.reorders, 1)
	assert.Equal(t, []string{"c", "a", "b"}, gw.reorders[0])

	gw.fail("reorder", errRejected)
	err := store.ReorderRegions(ctx, "L1", []string{"b", "c", "a"})
	require.ErrorIs(t, err, ErrValidationRejected)
	assert.Equal(t, []string{"c", "a", "b"}, ids(store.RegionsByLayout("L1")))
	assert.Len(t, gw.reorders, 2)

	require.ErrorIs(t, store.ReorderRegions(ctx, "L1", []string{"a", "a"}), ErrValidationRejected)
	require.ErrorIs(t, store.ReorderRegions(ctx, "L1", []string{"a", "zzz"}), ErrRegionNotFound)
	assert.Len(t, gw.reorders, 2)

	for _, v := range store.VersionedRegionsByLayout("L1") {
		assert.Equal(t, int64(1), v.Version)
	}
}

func TestRegionStore_LoadReadBeforeReorderKeepsNewOrder(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	for i, id := range []string{"a", "b", "c"} {
		rm := remoteRegion(id, "L1", 1)
		rm.Order = region.Int(i)
		gw.seed(rm)
	}
	store := newTestStore(t, gw)
	loaded(t, store, "L1")
	ctx := context.Background()

	gate := gw.gateList()
	done := loadAsync(store, "L1")
	require.Eventually(t, func() bool { return gw.callCount("list") == 2 }, waitFor, tick)

	require.NoError(t, store.ReorderRegions(ctx, "L1", []string{"c", "a", "b"}))
	close(gate)
	require.NoError(t, <-done)

	assert.Equal(t, []string{"c", "a", "b"}, ids(store.RegionsByLayout("L1")))
	for i, id := range []string{"c", "a", "b"} {
		v, ok := store.Region(id)
		require.True(t, ok)
		require.NotNil(t, v.Order)
		assert.Equal(t, i, *v.Order)
		assert.Equal(t, StateConfirmed, v.State)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids(loaded(t, store, "L1")))
}

func TestRegionStore_RoleDefaults(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gw.defaults["dispatcher"] = []region.Template{{Type: region.TypeScheduling}}
	store := newTestStore(t, gw)

	templates, err := store.RoleDefaults(context.Background(), "dispatcher")
	require.NoError(t, err)
	require.Len(t, templates, 1)

	_, err = store.RoleDefaults(context.Background(), "nobody")
	require.ErrorIs(t, err, ErrUnknownRole)
}

func TestSyncState_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "pending", StatePending.String())
	assert.Equal(t, "confirmed", StateConfirmed.String())
	assert.Equal(t, "conflicted", StateConflicted.String())
	assert.Equal(t, "rolled_back", StateRolledBack.String())
	assert.Equal(t, "unknown", SyncState(0).String())
}
