package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/iota-uz/dashsync/modules/layouts/domain/grid"
	"github.com/iota-uz/dashsync/modules/layouts/domain/region"
	"github.com/iota-uz/dashsync/pkg/logging"
)

const maxAutoResolveAttempts = 3

type FacadeOption func(*LayoutFacade)

func WithNotifier(n Notifier) FacadeOption {
	return func(f *LayoutFacade) {
		if n != nil {
			f.notifier = n
		}
	}
}

func WithFacadeLogger(l *logrus.Entry) FacadeOption {
	return func(f *LayoutFacade) {
		if l != nil {
			f.log = l
		}
	}
}

// WithConflictPolicy resolves blocking conflicts of this layout automatically:
// "local" keeps local state, "remote" adopts the server's. "manual" leaves
// them to ResolveConflict.
func WithConflictPolicy(policy string) FacadeOption {
	return func(f *LayoutFacade) {
		f.policy, f.autoResolve = ParseConflictPolicy(policy)
	}
}

// LayoutFacade is one caller's view of a single layout. Failures are logged,
// reported to the Notifier and returned.
type LayoutFacade struct {
	store    *RegionStore
	layoutID string
	log      *logrus.Entry
	notifier Notifier

	policy      Resolution
	autoResolve bool

	unsubscribe []func()
	wg          sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	attempts map[string]int
}

// NewLayoutFacade loads the layout once before returning. A failed load is
// not returned; it is visible through Error.
func NewLayoutFacade(ctx context.Context, store *RegionStore, layoutID string, opts ...FacadeOption) *LayoutFacade {
	f := &LayoutFacade{
		store:    store,
		layoutID: layoutID,
		log:      logging.Nop(),
		notifier: nopNotifier{},
		attempts: map[string]int{},
	}
	for _, opt := range opts {
		opt(f)
	}
	f.log = f.log.WithField("layout_id", layoutID)

	bus := store.EventBus()
	f.unsubscribe = append(f.unsubscribe,
		bus.Subscribe(f.onWriteFailed),
		bus.Subscribe(f.onConflicted),
		bus.Subscribe(f.onConfirmed),
	)

	if _, err := store.LoadRegions(ctx, layoutID); err != nil && !errors.Is(err, ErrLoadSuperseded) {
		f.log.WithError(err).Warn("initial layout load failed")
	}
	return f
}

func (f *LayoutFacade) LayoutID() string {
	return f.layoutID
}

func (f *LayoutFacade) Regions() []region.Region {
	return f.store.RegionsByLayout(f.layoutID)
}

func (f *LayoutFacade) VersionedRegions() []VersionedRegion {
	return f.store.VersionedRegionsByLayout(f.layoutID)
}

func (f *LayoutFacade) Loading() bool {
	return f.store.IsLoading(f.layoutID)
}

func (f *LayoutFacade) Error() error {
	return f.store.Error(f.layoutID)
}

func (f *LayoutFacade) Conflicts() []Conflict {
	return f.store.Conflicts(f.layoutID)
}

func (f *LayoutFacade) report(ctx context.Context, op, regionID string, err error) error {
	if err == nil {
		return nil
	}
	f.log.WithError(err).WithFields(logrus.Fields{
		"op":        op,
		"region_id": regionID,
	}).Error("layout operation failed")
	f.notifier.Notify(ctx, Notification{
		Level:    NotificationError,
		Title:    fmt.Sprintf("Could not %s", op),
		Message:  err.Error(),
		LayoutID: f.layoutID,
		RegionID: regionID,
		Err:      err,
	})
	return err
}

func (f *LayoutFacade) AddRegion(ctx context.Context, typ region.Type, pos *region.Position, opts ...AddOption) (region.Region, error) {
	r, err := f.store.AddRegion(ctx, f.layoutID, typ, pos, opts...)
	return r, f.report(ctx, "add region", "", err)
}

func (f *LayoutFacade) RemoveRegion(ctx context.Context, id string) error {
	return f.report(ctx, "remove region", id, f.store.RemoveRegion(ctx, f.layoutID, id))
}

// UpdateRegion applies patch and saves it after the debounce window.
func (f *LayoutFacade) UpdateRegion(ctx context.Context, id string, patch region.Patch) error {
	return f.report(ctx, "update region", id, f.store.UpdateRegion(ctx, f.layoutID, id, patch, true))
}

func (f *LayoutFacade) current(id string) (VersionedRegion, error) {
	v, ok := f.store.Region(id)
	if !ok || v.LayoutID != f.layoutID {
		return VersionedRegion{}, fmt.Errorf("%w: %s", ErrRegionNotFound, id)
	}
	return v, nil
}

// UpdateRegionPosition moves the region, clamping the target so the region's
// current width still fits.
func (f *LayoutFacade) UpdateRegionPosition(ctx context.Context, id string, row, col int) error {
	v, err := f.current(id)
	if err != nil {
		return f.report(ctx, "move region", id, err)
	}
	row, col = grid.ClampPosition(row, col, v.ColSpan)
	patch := region.Patch{GridRow: region.Int(row), GridCol: region.Int(col)}
	return f.report(ctx, "move region", id, f.store.UpdateRegion(ctx, f.layoutID, id, patch, true))
}

// UpdateRegionSize resizes the region, clamping against its current column.
func (f *LayoutFacade) UpdateRegionSize(ctx context.Context, id string, rowSpan, colSpan int) error {
	v, err := f.current(id)
	if err != nil {
		return f.report(ctx, "resize region", id, err)
	}
	rowSpan, colSpan = grid.ClampSize(rowSpan, colSpan, v.GridCol)
	patch := region.Patch{RowSpan: region.Int(rowSpan), ColSpan: region.Int(colSpan)}
	return f.report(ctx, "resize region", id, f.store.UpdateRegion(ctx, f.layoutID, id, patch, true))
}

// ToggleCollapse is written immediately.
func (f *LayoutFacade) ToggleCollapse(ctx context.Context, id string) error {
	v, err := f.current(id)
	if err != nil {
		return f.report(ctx, "collapse region", id, err)
	}
	patch := region.Patch{IsCollapsed: region.Bool(!v.IsCollapsed)}
	return f.report(ctx, "collapse region", id, f.store.UpdateRegion(ctx, f.layoutID, id, patch, false))
}

func (f *LayoutFacade) ToggleLock(ctx context.Context, id string) error {
	v, err := f.current(id)
	if err != nil {
		return f.report(ctx, "lock region", id, err)
	}
	patch := region.Patch{IsLocked: region.Bool(!v.IsLocked)}
	return f.report(ctx, "lock region", id, f.store.UpdateRegion(ctx, f.layoutID, id, patch, false))
}

func (f *LayoutFacade) ReorderRegions(ctx context.Context, orderedIDs []string) error {
	return f.report(ctx, "reorder regions", "", f.store.ReorderRegions(ctx, f.layoutID, orderedIDs))
}

// Save flushes every pending change of the layout.
func (f *LayoutFacade) Save(ctx context.Context) error {
	return f.report(ctx, "save layout", "", f.store.FlushUpdates(ctx, f.layoutID))
}

// Reload refetches the layout. A reload overtaken by a newer one is not an
// error.
func (f *LayoutFacade) Reload(ctx context.Context) error {
	_, err := f.store.LoadRegions(ctx, f.layoutID)
	if errors.Is(err, ErrLoadSuperseded) {
		return nil
	}
	return f.report(ctx, "reload layout", "", err)
}

// LoadRoleDefaults adds every default region of role to the layout and
// returns the ones created.
func (f *LayoutFacade) LoadRoleDefaults(ctx context.Context, role string) ([]region.Region, error) {
	templates, err := f.store.RoleDefaults(ctx, role)
	if err != nil {
		return nil, f.report(ctx, "load role defaults", "", err)
	}

	created := make([]region.Region, 0, len(templates))
	var errs []error
	for _, tpl := range templates {
		pos := tpl.Position
		r, err := f.store.AddRegion(ctx, f.layoutID, tpl.Type, &pos)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", tpl.Type, err))
			continue
		}
		created = append(created, r)
	}
	return created, f.report(ctx, "load role defaults", "", errors.Join(errs...))
}

func (f *LayoutFacade) ResolveConflict(ctx context.Context, id string, resolution Resolution) error {
	return f.report(ctx, "resolve conflict", id, f.store.ResolveConflict(ctx, id, resolution))
}

// Close detaches the facade from store events and waits for automatic
// conflict resolutions. The store stays open.
func (f *LayoutFacade) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	for _, unsubscribe := range f.unsubscribe {
		unsubscribe()
	}
	f.wg.Wait()
}

func (f *LayoutFacade) onWriteFailed(e *RegionWriteFailedEvent) {
	if e.LayoutID != f.layoutID {
		return
	}
	_ = f.report(context.Background(), "save region", e.RegionID, e.Err)
}

func (f *LayoutFacade) onConfirmed(e *RegionConfirmedEvent) {
	if e.LayoutID != f.layoutID {
		return
	}
	f.mu.Lock()
	delete(f.attempts, e.Region.ID)
	f.mu.Unlock()
}

func (f *LayoutFacade) onConflicted(e *RegionConflictedEvent) {
	c := e.Conflict
	if c.LayoutID != f.layoutID || !c.Blocking() {
		return
	}
	if !f.autoResolve {
		f.notifier.Notify(context.Background(), Notification{
			Level:    NotificationWarning,
			Title:    "Layout changed elsewhere",
			Message:  fmt.Sprintf("region %s has version %d on the server, local version %d", c.RegionID, c.RemoteVersion, c.LocalVersion),
			LayoutID: f.layoutID,
			RegionID: c.RegionID,
		})
		return
	}

	f.mu.Lock()
	if f.closed || f.attempts[c.RegionID] >= maxAutoResolveAttempts {
		f.mu.Unlock()
		return
	}
	f.attempts[c.RegionID]++
	f.wg.Add(1)
	f.mu.Unlock()

	// The event is published from inside a store call; resolve outside it.
	go func() {
		defer f.wg.Done()
		if err := f.store.ResolveConflict(context.Background(), c.RegionID, f.policy); err != nil && !errors.Is(err, ErrNoConflict) {
			_ = f.report(context.Background(), "resolve conflict", c.RegionID, err)
		}
	}()
}
