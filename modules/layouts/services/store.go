package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/dashsync/modules/layouts/domain/grid"
	"github.com/iota-uz/dashsync/modules/layouts/domain/region"
	"github.com/iota-uz/dashsync/pkg/eventbus"
	"github.com/iota-uz/dashsync/pkg/logging"
	"github.com/iota-uz/dashsync/pkg/retry"
)

type SyncState int

const (
	StatePending SyncState = iota + 1
	StateConfirmed
	StateConflicted
	StateRolledBack
)

func (s SyncState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	case StateConflicted:
		return "conflicted"
	case StateRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// VersionedRegion is a region plus its synchronization metadata.
type VersionedRegion struct {
	region.Region
	// Version is the server version this state corresponds to, or the
	// tentative next one while a write batch is open.
	Version int64
	State   SyncState
	// Pending is the merged mutation not yet sent.
	Pending *region.Patch
}

func (v VersionedRegion) Optimistic() bool {
	return v.State != StateConfirmed
}

func (v VersionedRegion) clone() VersionedRegion {
	out := v
	out.Region = v.Region.Clone()
	if v.Pending != nil {
		p := v.Pending.Merge(region.Patch{})
		out.Pending = &p
	}
	return out
}

type entry struct {
	VersionedRegion

	// base is the last version acknowledged by the server; writes expect it.
	base      int64
	confirmed region.Region

	inflight     int64
	inflightDone chan struct{}

	// insertedGen is the layout load generation current when a create
	// confirmation inserted this entry.
	insertedGen uint64
}

func (e *entry) discarded() *VersionedRegion {
	v := e.VersionedRegion.clone()
	v.State = StateRolledBack
	return &v
}

func (e *entry) hasWork() bool {
	return e.Pending != nil || e.inflight != 0 || e.State == StateConflicted
}

func (e *entry) snapshot() *entry {
	return &entry{
		VersionedRegion: e.VersionedRegion.clone(),
		base:            e.base,
		confirmed:       e.confirmed.Clone(),
		insertedGen:     e.insertedGen,
	}
}

type StoreOptions struct {
	// Debounce is how long UpdateRegion with autoSave waits for more
	// mutations before writing. Defaults to 500ms.
	Debounce time.Duration
	Retry    retry.Options
	Clock    clockwork.Clock
	Logger   *logrus.Entry
	EventBus eventbus.EventBus
}

func (o *StoreOptions) setDefaults() {
	if o.Debounce == 0 {
		o.Debounce = 500 * time.Millisecond
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Retry.Clock == nil {
		o.Retry.Clock = o.Clock
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	if o.EventBus == nil {
		o.EventBus = eventbus.NewEventPublisher(o.Logger)
	}
}

// RegionStore is the local optimistic view of every loaded layout. All
// methods are safe for concurrent use; the lock is never held across gateway
// calls.
type RegionStore struct {
	gateway   Gateway
	opts      StoreOptions
	log       *logrus.Entry
	bus       eventbus.EventBus
	debouncer *debouncer

	// background work (debounced writes) runs under ctx until Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	regions   map[string]*entry
	loading   map[string]struct{}
	loadGen   map[string]uint64
	errors    map[string]error
	conflicts map[string]Conflict
	aliases   map[string]string
	creating  map[string]chan struct{}

	// removing and reordering shield optimistic deletes and orders from
	// load responses read before the server applied them.
	removing   map[string]hold
	reordering map[string]hold
}

// hold marks a region with a delete or reorder the server may not reflect
// yet.
type hold struct {
	// gen is the layout load generation when the write settled. Loads up to
	// it may have read the server before the write landed.
	gen     uint64
	settled bool
}

// pushGen is the generation of push notifications: they always describe the
// server after any settled write.
const pushGen = ^uint64(0)

// heldLocked reports whether a server state read by load gen must not touch
// the region's held field. Settled holds are dropped once a newer load sees
// them.
func (s *RegionStore) heldLocked(holds map[string]hold, id string, gen uint64) bool {
	h, ok := holds[id]
	if !ok {
		return false
	}
	if !h.settled || gen <= h.gen {
		return true
	}
	delete(holds, id)
	return false
}

func holdLocked(holds map[string]hold, ids ...string) {
	for _, id := range ids {
		holds[id] = hold{}
	}
}

// settleLocked keeps the holds of a successful write only while a load that
// may predate it is still running.
func (s *RegionStore) settleLocked(holds map[string]hold, layoutID string, ids ...string) {
	_, loading := s.loading[layoutID]
	gen := s.loadGen[layoutID]
	for _, id := range ids {
		if _, ok := holds[id]; !ok {
			continue
		}
		if !loading {
			delete(holds, id)
			continue
		}
		holds[id] = hold{gen: gen, settled: true}
	}
}

func releaseLocked(holds map[string]hold, ids ...string) {
	for _, id := range ids {
		delete(holds, id)
	}
}

func NewRegionStore(gateway Gateway, opts StoreOptions) *RegionStore {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &RegionStore{
		gateway:   gateway,
		opts:      opts,
		log:       opts.Logger.WithField("component", "layouts.store"),
		bus:       opts.EventBus,
		debouncer: newDebouncer(opts.Clock),
		ctx:       ctx,
		cancel:    cancel,
		regions:   map[string]*entry{},
		loading:   map[string]struct{}{},
		loadGen:   map[string]uint64{},
		errors:    map[string]error{},
		conflicts: map[string]Conflict{},
		aliases:   map[string]string{},
		creating:  map[string]chan struct{}{},

		removing:   map[string]hold{},
		reordering: map[string]hold{},
	}
}

// Close stops debounce timers and cancels background writes. Pending patches
// that were not flushed are kept in memory.
func (s *RegionStore) Close() {
	s.debouncer.Stop()
	s.cancel()
}

func (s *RegionStore) EventBus() eventbus.EventBus {
	return s.bus
}

func (s *RegionStore) publish(events []any) {
	for _, ev := range events {
		s.bus.Publish(ev)
	}
}

func (s *RegionStore) retryOptions(op string) retry.Options {
	opts := s.opts.Retry
	opts.Retryable = IsRetryable
	opts.OnRetry = func(name string, attempt int, err error, delay time.Duration) {
		layoutRetries.WithLabelValues(op).Inc()
		s.log.WithError(err).WithFields(logrus.Fields{
			"op":      name,
			"attempt": attempt,
			"delay":   delay,
		}).Warn("retrying layout gateway call")
	}
	return opts
}

func (s *RegionStore) call(ctx context.Context, op, name string, fn func(context.Context) error) error {
	start := s.opts.Clock.Now()
	err := retry.Do(ctx, s.retryOptions(op), name, fn)
	layoutWriteDuration.WithLabelValues(op).Observe(s.opts.Clock.Since(start).Seconds())
	return err
}

func (s *RegionStore) resolveLocked(id string) string {
	if to, ok := s.aliases[id]; ok {
		return to
	}
	return id
}

// awaitCreate blocks while id is a temporary region whose create call is in
// flight, then returns the id the region is known by.
func (s *RegionStore) awaitCreate(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	ch, ok := s.creating[id]
	s.mu.Unlock()
	if ok {
		select {
		case <-ch:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	resolved := s.resolveLocked(id)
	if _, exists := s.regions[resolved]; !exists {
		return "", fmt.Errorf("%w: %s", ErrRegionNotFound, id)
	}
	return resolved, nil
}

// waitIdleLocked waits until no write is in flight for id. Called and
// returns with s.mu held; the returned entry is nil if the region vanished.
func (s *RegionStore) waitIdleLocked(ctx context.Context, id string) (*entry, error) {
	for {
		e := s.regions[id]
		if e == nil || e.inflight == 0 {
			return e, nil
		}
		done := e.inflightDone
		s.mu.Unlock()
		select {
		case <-done:
			s.mu.Lock()
		case <-ctx.Done():
			s.mu.Lock()
			return nil, ctx.Err()
		}
	}
}

func (s *RegionStore) lookupLocked(layoutID, id string) (*entry, error) {
	e := s.regions[s.resolveLocked(id)]
	if e == nil || e.LayoutID != layoutID {
		return nil, fmt.Errorf("%w: %s", ErrRegionNotFound, id)
	}
	return e, nil
}

// ---- reads

func (s *RegionStore) Region(id string) (VersionedRegion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.regions[s.resolveLocked(id)]
	if e == nil {
		return VersionedRegion{}, false
	}
	return e.VersionedRegion.clone(), true
}

func sortRegions(list []VersionedRegion) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		switch {
		case a.Order != nil && b.Order != nil && *a.Order != *b.Order:
			return *a.Order < *b.Order
		case (a.Order == nil) != (b.Order == nil):
			return a.Order != nil
		case a.GridRow != b.GridRow:
			return a.GridRow < b.GridRow
		case a.GridCol != b.GridCol:
			return a.GridCol < b.GridCol
		default:
			return a.ID < b.ID
		}
	})
}

func (s *RegionStore) versionedByLayoutLocked(layoutID string) []VersionedRegion {
	out := make([]VersionedRegion, 0)
	for _, e := range s.regions {
		if e.LayoutID == layoutID {
			out = append(out, e.VersionedRegion.clone())
		}
	}
	sortRegions(out)
	return out
}

func plain(list []VersionedRegion) []region.Region {
	out := make([]region.Region, len(list))
	for i, v := range list {
		out[i] = v.Region
	}
	return out
}

// VersionedRegionsByLayout returns the layout's regions with sync metadata,
// ordered by order, row, col.
func (s *RegionStore) VersionedRegionsByLayout(layoutID string) []VersionedRegion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versionedByLayoutLocked(layoutID)
}

func (s *RegionStore) RegionsByLayout(layoutID string) []region.Region {
	return plain(s.VersionedRegionsByLayout(layoutID))
}

func (s *RegionStore) IsLoading(layoutID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loading[layoutID]
	return ok
}

// Error returns the last load failure for the layout, cleared by the next
// successful load.
func (s *RegionStore) Error(layoutID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errors[layoutID]
}

func (s *RegionStore) Conflict(id string) (Conflict, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conflicts[s.resolveLocked(id)]
	if !ok {
		return Conflict{}, false
	}
	return c.clone(), true
}

func (s *RegionStore) Conflicts(layoutID string) []Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conflict, 0)
	for _, c := range s.conflicts {
		if c.LayoutID == layoutID {
			out = append(out, c.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegionID < out[j].RegionID })
	return out
}

func (s *RegionStore) RoleDefaults(ctx context.Context, role string) ([]region.Template, error) {
	var templates []region.Template
	err := s.call(ctx, "role_defaults", "role defaults", func(ctx context.Context) error {
		var err error
		templates, err = s.gateway.RoleDefaults(ctx, role)
		return err
	})
	return templates, err
}

// ---- load

// LoadRegions replaces the layout's entries with the server's list. On
// failure the error is kept in Error(layoutID) and the stale list is returned
// with it. A load overtaken by a newer load of the same layout returns
// ErrLoadSuperseded and changes nothing.
func (s *RegionStore) LoadRegions(ctx context.Context, layoutID string) ([]region.Region, error) {
	s.mu.Lock()
	s.loadGen[layoutID]++
	gen := s.loadGen[layoutID]
	s.loading[layoutID] = struct{}{}
	s.mu.Unlock()

	var remotes []region.Remote
	err := s.call(ctx, "load", "list regions", func(ctx context.Context) error {
		var err error
		remotes, err = s.gateway.List(ctx, layoutID)
		return err
	})

	s.mu.Lock()
	if s.loadGen[layoutID] != gen {
		s.mu.Unlock()
		recordLoad("superseded")
		return nil, fmt.Errorf("%w: %s", ErrLoadSuperseded, layoutID)
	}
	delete(s.loading, layoutID)

	if err != nil {
		s.errors[layoutID] = err
		stale := plain(s.versionedByLayoutLocked(layoutID))
		s.mu.Unlock()
		recordLoad("error")
		s.log.WithError(err).WithField("layout_id", layoutID).Error("failed to load layout regions")
		return stale, err
	}

	delete(s.errors, layoutID)
	events := s.reconcileLayoutLocked(layoutID, gen, remotes)
	list := plain(s.versionedByLayoutLocked(layoutID))
	s.mu.Unlock()

	recordLoad("ok")
	s.publish(events)
	s.bus.Publish(&LayoutLoadedEvent{LayoutID: layoutID, Regions: list})
	return list, nil
}

func (s *RegionStore) reconcileLayoutLocked(layoutID string, gen uint64, remotes []region.Remote) []any {
	var events []any
	seen := make(map[string]struct{}, len(remotes))
	for _, rm := range remotes {
		rm.LayoutID = layoutID
		seen[rm.ID] = struct{}{}
		events = append(events, s.mergeRemoteLocked(rm, gen)...)
	}

	for id, e := range s.regions {
		if e.LayoutID != layoutID {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		// Creates in flight, or confirmed after this load started, are not
		// expected in the response.
		if region.IsTempID(id) || e.insertedGen >= gen {
			continue
		}
		delete(s.regions, id)
		delete(s.conflicts, id)
		s.debouncer.Cancel(id)
		if e.hasWork() {
			recordRollback("load")
			events = append(events, &RegionRolledBackEvent{
				LayoutID:  layoutID,
				RegionID:  id,
				Op:        "load",
				Err:       fmt.Errorf("%w: %s", ErrNotFound, id),
				Discarded: e.discarded(),
			})
		}
	}
	return events
}

// ApplyServerState merges one server-side region state, e.g. from a push
// notification. Applying the same state twice is a no-op.
func (s *RegionStore) ApplyServerState(rm region.Remote) {
	s.mu.Lock()
	events := s.mergeRemoteLocked(rm, pushGen)
	s.mu.Unlock()
	s.publish(events)
}

// mergeRemoteLocked applies a server state read by load gen, skipping regions
// being removed and keeping local order while a reorder is unsettled.
func (s *RegionStore) mergeRemoteLocked(rm region.Remote, gen uint64) []any {
	if s.heldLocked(s.removing, rm.ID, gen) {
		return nil
	}
	if e, ok := s.regions[rm.ID]; ok && s.heldLocked(s.reordering, rm.ID, gen) {
		rm.Order = e.Clone().Order
	}
	return s.applyRemoteLocked(rm)
}

func (s *RegionStore) adoptLocked(e *entry, rm region.Remote) {
	e.Region = rm.Region.Clone()
	e.Version = rm.Version
	e.base = rm.Version
	e.confirmed = rm.Region.Clone()
	e.State = StateConfirmed
	e.Pending = nil
}

func (s *RegionStore) recordConflictLocked(reason ConflictReason, e *entry, remote *region.Region, remoteVersion int64) *RegionConflictedEvent {
	c := newConflict(reason, e.Region, e.Version, remote, remoteVersion, s.opts.Clock.Now())
	s.conflicts[e.ID] = c
	if c.Blocking() {
		e.State = StateConflicted
	}
	recordConflict(reason)
	s.log.WithFields(logrus.Fields{
		"region_id":      e.ID,
		"layout_id":      e.LayoutID,
		"local_version":  c.LocalVersion,
		"remote_version": remoteVersion,
		"reason":         reason,
	}).Warn("region version conflict")
	return &RegionConflictedEvent{Conflict: c.clone()}
}

func (s *RegionStore) applyRemoteLocked(rm region.Remote) []any {
	e, ok := s.regions[rm.ID]
	if !ok {
		s.regions[rm.ID] = &entry{
			VersionedRegion: VersionedRegion{
				Region:  rm.Region.Clone(),
				Version: rm.Version,
				State:   StateConfirmed,
			},
			base:      rm.Version,
			confirmed: rm.Region.Clone(),
		}
		return nil
	}

	remoteState := rm.Region.Clone()
	switch {
	case e.inflight != 0 && rm.Version == e.inflight:
		// The in-flight write landed; its acknowledgement confirms it.
		return nil
	case rm.Version < e.Version:
		// Never clobber a newer local version with an older server one.
		if e.State == StateConflicted {
			return nil
		}
		return []any{s.recordConflictLocked(ConflictStaleLoad, e, &remoteState, rm.Version)}
	case !e.hasWork():
		delete(s.conflicts, rm.ID)
		if rm.Version == e.Version && e.Region.Equal(rm.Region) {
			return nil
		}
		s.adoptLocked(e, rm)
		return nil
	case rm.Version <= e.base:
		// Queued work is still based on this server version.
		return nil
	default:
		// The server reached the version our queued work would produce:
		// someone else wrote.
		e.base = rm.Version
		e.Version = max(e.Version, rm.Version)
		return []any{s.recordConflictLocked(ConflictVersionMismatch, e, &remoteState, rm.Version)}
	}
}

// ---- add

type addConfig struct {
	linkage *region.Linkage
}

type AddOption func(*addConfig)

// WithLinkage creates the region and its linkage record as one saga; a
// failed link deletes the created region again.
func WithLinkage(link region.Linkage) AddOption {
	return func(c *addConfig) {
		c.linkage = &link
	}
}

func (s *RegionStore) nextFreeRowLocked(layoutID string) int {
	row := 0
	for _, e := range s.regions {
		if e.LayoutID == layoutID {
			row = max(row, e.GridRow+e.RowSpan)
		}
	}
	return row
}

// AddRegion inserts an optimistic region under a temporary id, creates it
// remotely and swaps in the server id. Without pos the region is placed
// below the existing ones at the default size. On failure the temporary
// region is removed and the error returned.
func (s *RegionStore) AddRegion(ctx context.Context, layoutID string, typ region.Type, pos *region.Position, opts ...AddOption) (region.Region, error) {
	if !typ.Valid() {
		return region.Region{}, fmt.Errorf("%w: %q", ErrUnknownRegionType, typ)
	}
	cfg := &addConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	tempID := region.NewTempID()
	done := make(chan struct{})

	s.mu.Lock()
	var p region.Position
	if pos != nil {
		p = pos.WithDefaults()
	} else {
		p = region.Position{Row: s.nextFreeRowLocked(layoutID)}.WithDefaults()
	}
	local := grid.ClampRegion(region.Region{
		ID:       tempID,
		LayoutID: layoutID,
		Type:     typ,
		GridRow:  p.Row,
		GridCol:  p.Col,
		RowSpan:  p.RowSpan,
		ColSpan:  p.ColSpan,
		Order:    region.Int(len(s.versionedByLayoutLocked(layoutID))),
	})
	s.regions[tempID] = &entry{
		VersionedRegion: VersionedRegion{Region: local, Version: 0, State: StatePending},
		confirmed:       local.Clone(),
	}
	s.creating[tempID] = done
	s.mu.Unlock()

	req := CreateRequest{
		Type: typ,
		Position: region.Position{
			Row:     local.GridRow,
			Col:     local.GridCol,
			RowSpan: local.RowSpan,
			ColSpan: local.ColSpan,
		},
	}

	var created *region.Remote
	saga := retry.NewSaga("add region", s.retryOptions("create")).
		Step("create", func(ctx context.Context) error {
			rm, err := s.gateway.Create(ctx, layoutID, req)
			if err != nil {
				return err
			}
			created = &rm
			return nil
		}, func(ctx context.Context) error {
			if created == nil {
				return nil
			}
			if err := s.gateway.Delete(ctx, layoutID, created.ID); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			return nil
		})
	if cfg.linkage != nil {
		link := *cfg.linkage
		saga.Step("link", func(ctx context.Context) error {
			return s.gateway.Link(ctx, layoutID, created.ID, link)
		}, nil)
	}

	start := s.opts.Clock.Now()
	err := saga.Run(ctx)
	layoutWriteDuration.WithLabelValues("create").Observe(s.opts.Clock.Since(start).Seconds())
	recordWrite("create", err)

	s.mu.Lock()
	delete(s.creating, tempID)
	close(done)

	if err != nil {
		var discarded *VersionedRegion
		if tmp := s.regions[tempID]; tmp != nil {
			discarded = tmp.discarded()
		}
		delete(s.regions, tempID)
		s.mu.Unlock()
		s.debouncer.Cancel(tempID)
		recordRollback("create")
		s.publish([]any{&RegionRolledBackEvent{LayoutID: layoutID, RegionID: tempID, Op: "create", Err: err, Discarded: discarded}})
		return region.Region{}, err
	}

	confirmed := *created
	confirmed.LayoutID = layoutID
	e, reschedule := s.confirmCreateLocked(tempID, confirmed)
	out := e.Region.Clone()
	version := e.Version
	s.mu.Unlock()

	s.debouncer.Cancel(tempID)
	if reschedule {
		s.scheduleFlush(out.ID)
	}
	s.publish([]any{&RegionConfirmedEvent{LayoutID: layoutID, Region: out, Version: version}})
	return out, nil
}

// confirmCreateLocked swaps the temporary entry for the server one exactly
// once. Mutations made to the temporary entry meanwhile carry over as a new
// pending batch.
func (s *RegionStore) confirmCreateLocked(tempID string, rm region.Remote) (*entry, bool) {
	tmp := s.regions[tempID]
	delete(s.regions, tempID)
	s.aliases[tempID] = rm.ID

	e, exists := s.regions[rm.ID]
	if !exists {
		e = &entry{
			VersionedRegion: VersionedRegion{
				Region:  rm.Region.Clone(),
				Version: rm.Version,
				State:   StateConfirmed,
			},
			base:        rm.Version,
			confirmed:   rm.Region.Clone(),
			insertedGen: s.loadGen[rm.LayoutID],
		}
		s.regions[rm.ID] = e
	}

	if tmp == nil || tmp.Pending == nil {
		return e, false
	}
	pending := tmp.Pending.Merge(region.Patch{})
	if e.Pending != nil {
		pending = e.Pending.Merge(pending)
	}
	e.Region = grid.ClampRegion(pending.Apply(e.Region))
	e.Pending = &pending
	if e.inflight == 0 && e.State == StateConfirmed {
		e.Version = e.base + 1
		e.State = StatePending
	}
	return e, true
}

// ---- update

// UpdateRegion applies patch locally at once. With autoSave the write is
// debounced and coalesced with later updates to the same region; otherwise it
// is sent before returning.
func (s *RegionStore) UpdateRegion(ctx context.Context, layoutID, id string, patch region.Patch, autoSave bool) error {
	if patch.IsEmpty() {
		return nil
	}

	s.mu.Lock()
	e, err := s.lookupLocked(layoutID, id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	unlocking := patch.IsLocked != nil && !*patch.IsLocked
	if e.IsLocked && patch.TouchesGeometry() && !unlocking {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRegionLocked, e.ID)
	}

	next := grid.ClampRegion(patch.Apply(e.Region))
	patch = patch.Normalize(e.Region, next)
	e.Region = next
	// Version is bumped once per write batch, not per mutation: every update
	// coalesced into an open batch shares the version the server will assign.
	if e.Pending == nil && !region.IsTempID(e.ID) {
		e.Version++
	}
	merged := patch
	if e.Pending != nil {
		merged = e.Pending.Merge(patch)
	}
	e.Pending = &merged
	if e.State != StateConflicted {
		e.State = StatePending
	}
	resolved := e.ID
	s.mu.Unlock()

	if autoSave {
		s.scheduleFlush(resolved)
		return nil
	}
	s.debouncer.Cancel(resolved)
	return s.flushRegion(ctx, resolved)
}

func (s *RegionStore) scheduleFlush(id string) {
	s.debouncer.Schedule(id, s.opts.Debounce, func() {
		if err := s.flushRegion(s.ctx, id); err != nil {
			s.mu.Lock()
			layoutID := ""
			if e := s.regions[s.resolveLocked(id)]; e != nil {
				layoutID = e.LayoutID
			}
			s.mu.Unlock()
			s.log.WithError(err).WithField("region_id", id).Error("debounced region write failed")
			s.bus.Publish(&RegionWriteFailedEvent{LayoutID: layoutID, RegionID: id, Err: err})
		}
	})
}

// flushRegion sends the pending patch of one region, waiting for a write of
// the same region already in flight.
func (s *RegionStore) flushRegion(ctx context.Context, id string) error {
	id, err := s.awaitCreate(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRegionNotFound) {
			return nil
		}
		return err
	}

	s.mu.Lock()
	e, err := s.waitIdleLocked(ctx, id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if e == nil || e.Pending == nil || e.State == StateConflicted {
		s.mu.Unlock()
		return nil
	}

	patch := *e.Pending
	e.Pending = nil
	batch := e.Version
	expected := e.base
	done := make(chan struct{})
	e.inflight = batch
	e.inflightDone = done
	layoutID := e.LayoutID
	s.mu.Unlock()

	var remote region.Remote
	err = s.call(ctx, "update", "update region", func(ctx context.Context) error {
		var err error
		remote, err = s.gateway.Update(ctx, layoutID, id, patch, expected)
		return err
	})
	recordWrite("update", err)

	s.mu.Lock()
	e = s.regions[id]
	if e != nil && e.inflightDone == done {
		e.inflight = 0
		e.inflightDone = nil
	}
	close(done)

	if e == nil {
		// Removed while the write was in flight.
		s.mu.Unlock()
		return nil
	}

	var (
		events    []any
		returnErr error
		vc        *VersionConflictError
	)
	switch {
	case err == nil:
		events = s.ackWriteLocked(e, remote, batch, patch)
	case errors.As(err, &vc):
		e.requeue(patch)
		e.base = vc.Actual
		e.Version = max(e.Version, vc.Actual)
		var remoteState *region.Region
		if vc.Remote != nil {
			rs := vc.Remote.Region.Clone()
			remoteState = &rs
		}
		events = append(events, s.recordConflictLocked(ConflictVersionMismatch, e, remoteState, vc.Actual))
	case errors.Is(err, ErrNotFound):
		delete(s.regions, id)
		delete(s.conflicts, id)
		recordRollback("update")
		events = append(events, &RegionRolledBackEvent{LayoutID: layoutID, RegionID: id, Op: "update", Err: err, Discarded: e.discarded()})
		returnErr = err
	case errors.Is(err, ErrValidationRejected):
		confirmed := e.confirmed.Clone()
		events = append(events, s.recordConflictLocked(ConflictRejected, e, &confirmed, e.base))
		if e.Pending == nil {
			e.Version = e.base
		}
		returnErr = err
	default:
		// Soft failure: keep the optimistic state and the patch for the next
		// flush.
		e.requeue(patch)
		e.Version = batch
		returnErr = err
	}
	s.mu.Unlock()

	if errors.Is(err, ErrNotFound) {
		s.debouncer.Cancel(id)
	}
	s.publish(events)
	if returnErr != nil {
		s.log.WithError(returnErr).WithFields(logrus.Fields{
			"region_id": id,
			"layout_id": layoutID,
		}).Error("region write failed")
	}
	return returnErr
}

// requeue puts a failed batch back in front of mutations queued meanwhile.
func (e *entry) requeue(sent region.Patch) {
	merged := sent
	if e.Pending != nil {
		merged = sent.Merge(*e.Pending)
	}
	e.Pending = &merged
}

func (s *RegionStore) ackWriteLocked(e *entry, rm region.Remote, batch int64, sent region.Patch) []any {
	if rm.Version != batch {
		e.requeue(sent)
		e.base = rm.Version
		e.Version = max(e.Version, rm.Version)
		remoteState := rm.Region.Clone()
		return []any{s.recordConflictLocked(ConflictWriteMismatch, e, &remoteState, rm.Version)}
	}

	e.base = rm.Version
	e.confirmed = rm.Region.Clone()
	delete(s.conflicts, e.ID)
	if e.Pending != nil {
		// A newer batch was opened while this one was in flight.
		return nil
	}
	rm.LayoutID = e.LayoutID
	s.adoptLocked(e, rm)
	return []any{&RegionConfirmedEvent{LayoutID: e.LayoutID, Region: e.Region.Clone(), Version: e.Version}}
}

// FlushUpdates sends every pending patch of the layout now, ignoring the
// debounce timers, and waits for writes already in flight.
func (s *RegionStore) FlushUpdates(ctx context.Context, layoutID string) error {
	s.mu.Lock()
	var ids []string
	for id, e := range s.regions {
		if e.LayoutID == layoutID && (e.Pending != nil || e.inflight != 0) {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		s.debouncer.Cancel(id)
		if err := s.flushRegion(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("region %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// ---- remove

// RemoveRegion deletes the region locally and remotely. If the remote delete
// fails the exact prior state is restored. A region already gone on the
// server counts as removed.
func (s *RegionStore) RemoveRegion(ctx context.Context, layoutID, id string) error {
	resolved, err := s.awaitCreate(ctx, id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	e, err := s.waitIdleLocked(ctx, resolved)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if e == nil || e.LayoutID != layoutID {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRegionNotFound, id)
	}
	prior := e.snapshot()
	priorConflict, hadConflict := s.conflicts[resolved]
	delete(s.regions, resolved)
	delete(s.conflicts, resolved)
	holdLocked(s.removing, resolved)
	s.mu.Unlock()
	hadTimer := s.debouncer.Cancel(resolved)

	err = s.call(ctx, "delete", "delete region", func(ctx context.Context) error {
		return s.gateway.Delete(ctx, layoutID, resolved)
	})
	if errors.Is(err, ErrNotFound) {
		err = nil
	}
	recordWrite("delete", err)
	if err == nil {
		s.mu.Lock()
		s.settleLocked(s.removing, layoutID, resolved)
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	releaseLocked(s.removing, resolved)
	if _, exists := s.regions[resolved]; !exists {
		s.regions[resolved] = prior
		if hadConflict {
			s.conflicts[resolved] = priorConflict
		}
	}
	s.mu.Unlock()
	if hadTimer {
		s.scheduleFlush(resolved)
	}

	recordRollback("delete")
	s.log.WithError(err).WithFields(logrus.Fields{
		"region_id": resolved,
		"layout_id": layoutID,
	}).Error("failed to remove region, restored")
	s.publish([]any{&RegionRolledBackEvent{LayoutID: layoutID, RegionID: resolved, Op: "delete", Err: err}})
	return err
}

// ---- reorder

// ReorderRegions assigns order = index to every id as one batch and sends a
// single reorder request. On failure every previous order is restored.
func (s *RegionStore) ReorderRegions(ctx context.Context, layoutID string, orderedIDs []string) error {
	resolved := make([]string, len(orderedIDs))
	for i, id := range orderedIDs {
		r, err := s.awaitCreate(ctx, id)
		if err != nil {
			return err
		}
		resolved[i] = r
	}

	s.mu.Lock()
	seen := make(map[string]struct{}, len(resolved))
	for i, id := range resolved {
		if _, err := s.lookupLocked(layoutID, id); err != nil {
			s.mu.Unlock()
			return err
		}
		if _, dup := seen[id]; dup {
			s.mu.Unlock()
			return fmt.Errorf("%w: region %s listed twice", ErrValidationRejected, orderedIDs[i])
		}
		seen[id] = struct{}{}
	}

	previous := make(map[string]*int, len(resolved))
	for i, id := range resolved {
		e := s.regions[id]
		previous[id] = e.Clone().Order
		e.Order = region.Int(i)
	}
	holdLocked(s.reordering, resolved...)
	s.mu.Unlock()

	err := s.call(ctx, "reorder", "reorder regions", func(ctx context.Context) error {
		return s.gateway.Reorder(ctx, layoutID, resolved)
	})
	recordWrite("reorder", err)

	s.mu.Lock()
	if err == nil {
		for i, id := range resolved {
			if e := s.regions[id]; e != nil {
				e.Order = region.Int(i)
				e.confirmed.Order = region.Int(i)
			}
		}
		s.settleLocked(s.reordering, layoutID, resolved...)
		s.mu.Unlock()
		return nil
	}
	releaseLocked(s.reordering, resolved...)
	for id, order := range previous {
		if e := s.regions[id]; e != nil {
			e.Order = order
		}
	}
	s.mu.Unlock()

	recordRollback("reorder")
	s.log.WithError(err).WithField("layout_id", layoutID).Error("failed to reorder regions, restored")
	s.publish([]any{&RegionRolledBackEvent{LayoutID: layoutID, Op: "reorder", Err: err}})
	return err
}

// ---- conflicts

// ResolveConflict settles a recorded conflict. KeepLocal rebases the local
// state on the server version and writes it; AcceptRemote adopts the server
// state, reloading the layout when the conflict did not carry it.
func (s *RegionStore) ResolveConflict(ctx context.Context, id string, resolution Resolution) error {
	s.mu.Lock()
	resolved := s.resolveLocked(id)
	c, ok := s.conflicts[resolved]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoConflict, id)
	}
	e, err := s.waitIdleLocked(ctx, resolved)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	delete(s.conflicts, resolved)
	if e == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRegionNotFound, id)
	}

	switch resolution {
	case KeepLocal:
		full := region.FullPatch(e.Region)
		e.base = max(e.base, c.RemoteVersion)
		e.Version = e.base + 1
		e.Pending = &full
		e.State = StatePending
		s.mu.Unlock()
		s.debouncer.Cancel(resolved)
		return s.flushRegion(ctx, resolved)

	case AcceptRemote:
		if c.RemoteState != nil {
			rm := region.Remote{Region: c.RemoteState.Clone(), Version: c.RemoteVersion}
			rm.LayoutID = e.LayoutID
			s.adoptLocked(e, rm)
			out := e.Region.Clone()
			s.mu.Unlock()
			s.debouncer.Cancel(resolved)
			s.publish([]any{&RegionConfirmedEvent{LayoutID: out.LayoutID, Region: out, Version: c.RemoteVersion}})
			return nil
		}
		e.Pending = nil
		e.Region = e.confirmed.Clone()
		e.Version = e.base
		e.State = StateConfirmed
		layoutID := e.LayoutID
		s.mu.Unlock()
		s.debouncer.Cancel(resolved)
		_, err = s.LoadRegions(ctx, layoutID)
		return err

	default:
		s.conflicts[resolved] = c
		s.mu.Unlock()
		return fmt.Errorf("unknown conflict resolution %d", resolution)
	}
}
