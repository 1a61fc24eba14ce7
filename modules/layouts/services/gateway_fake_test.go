package services

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/iota-uz/dashsync/modules/layouts/domain/grid"
	"github.com/iota-uz/dashsync/modules/layouts/domain/region"
)

type recordedUpdate struct {
	RegionID string
	Patch    region.Patch
	Expected int64
}

// fakeGateway is an in-memory layout backend with compare-and-swap updates,
// scripted failures and optional gates that hold calls until released.
type fakeGateway struct {
	mu       sync.Mutex
	regions  map[string]region.Remote
	links    map[string]region.Linkage
	nextID   int
	errs     map[string][]error
	calls    map[string]int
	updates  []recordedUpdate
	reorders [][]string
	defaults map[string][]region.Template

	// createGate holds Create after the region is stored and before the
	// response is returned.
	createGate chan struct{}
	// listGate holds the next List call only.
	listGate chan struct{}
	// onDelete runs before a delete is applied.
	onDelete func()
	// onUpdate replaces the default update behaviour when set.
	onUpdate func(layoutID, id string, patch region.Patch, expected int64) (region.Remote, error)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		regions:  map[string]region.Remote{},
		links:    map[string]region.Linkage{},
		errs:     map[string][]error{},
		calls:    map[string]int{},
		defaults: map[string][]region.Template{},
	}
}

func (g *fakeGateway) seed(rm region.Remote) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.regions[rm.ID] = rm
}

func (g *fakeGateway) server(id string) (region.Remote, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rm, ok := g.regions[id]
	return rm, ok
}

// gateList holds the next List after it has read the server state.
func (g *fakeGateway) gateList() chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	gate := make(chan struct{})
	g.listGate = gate
	return gate
}

func (g *fakeGateway) fail(op string, errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errs[op] = append(g.errs[op], errs...)
}

func (g *fakeGateway) callCount(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *fakeGateway) recordedUpdates() []recordedUpdate {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]recordedUpdate, len(g.updates))
	copy(out, g.updates)
	return out
}

// enter counts the call and pops a scripted error. Called with g.mu held.
func (g *fakeGateway) enter(op string) error {
	g.calls[op]++
	queue := g.errs[op]
	if len(queue) == 0 {
		return nil
	}
	g.errs[op] = queue[1:]
	return queue[0]
}

func (g *fakeGateway) List(_ context.Context, layoutID string) ([]region.Remote, error) {
	g.mu.Lock()
	gate := g.listGate
	g.listGate = nil
	if err := g.enter("list"); err != nil {
		g.mu.Unlock()
		return nil, err
	}
	out := make([]region.Remote, 0)
	for _, rm := range g.regions {
		if rm.LayoutID == layoutID {
			rm.Region = rm.Region.Clone()
			out = append(out, rm)
		}
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if gate != nil {
		<-gate
	}
	return out, nil
}

func (g *fakeGateway) Create(_ context.Context, layoutID string, req CreateRequest) (region.Remote, error) {
	g.mu.Lock()
	if err := g.enter("create"); err != nil {
		g.mu.Unlock()
		return region.Remote{}, err
	}
	g.nextID++
	pos := req.Position.WithDefaults()
	rm := region.Remote{
		Region: grid.ClampRegion(region.Region{
			ID:       fmt.Sprintf("r%d", g.nextID),
			LayoutID: layoutID,
			Type:     req.Type,
			GridRow:  pos.Row,
			GridCol:  pos.Col,
			RowSpan:  pos.RowSpan,
			ColSpan:  pos.ColSpan,
		}),
		Version: 1,
	}
	g.regions[rm.ID] = rm
	gate := g.createGate
	g.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return rm, nil
}

func (g *fakeGateway) Update(_ context.Context, layoutID, id string, patch region.Patch, expected int64) (region.Remote, error) {
	g.mu.Lock()
	g.updates = append(g.updates, recordedUpdate{RegionID: id, Patch: patch, Expected: expected})
	if err := g.enter("update"); err != nil {
		g.mu.Unlock()
		return region.Remote{}, err
	}
	if g.onUpdate != nil {
		fn := g.onUpdate
		g.mu.Unlock()
		return fn(layoutID, id, patch, expected)
	}
	defer g.mu.Unlock()

	current, ok := g.regions[id]
	if !ok || current.LayoutID != layoutID {
		return region.Remote{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if current.Version != expected {
		cur := current
		return region.Remote{}, &VersionConflictError{RegionID: id, Expected: expected, Actual: current.Version, Remote: &cur}
	}
	next := region.Remote{Region: patch.Apply(current.Region), Version: current.Version + 1}
	g.regions[id] = next
	return next, nil
}

func (g *fakeGateway) Delete(_ context.Context, layoutID, id string) error {
	g.mu.Lock()
	hook := g.onDelete
	g.mu.Unlock()
	if hook != nil {
		hook()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("delete"); err != nil {
		return err
	}
	if rm, ok := g.regions[id]; !ok || rm.LayoutID != layoutID {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(g.regions, id)
	return nil
}

func (g *fakeGateway) Reorder(_ context.Context, layoutID string, orderedIDs []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reorders = append(g.reorders, append([]string(nil), orderedIDs...))
	if err := g.enter("reorder"); err != nil {
		return err
	}
	for i, id := range orderedIDs {
		rm, ok := g.regions[id]
		if !ok || rm.LayoutID != layoutID {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		rm.Order = region.Int(i)
		g.regions[id] = rm
	}
	return nil
}

func (g *fakeGateway) RoleDefaults(_ context.Context, role string) ([]region.Template, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("role_defaults"); err != nil {
		return nil, err
	}
	templates, ok := g.defaults[role]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	return templates, nil
}

func (g *fakeGateway) Link(_ context.Context, _ string, id string, link region.Linkage) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("link"); err != nil {
		return err
	}
	g.links[id] = link
	return nil
}

func (g *fakeGateway) Unlink(_ context.Context, _ string, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("unlink"); err != nil {
		return err
	}
	delete(g.links, id)
	return nil
}

var _ Gateway = (*fakeGateway)(nil)
