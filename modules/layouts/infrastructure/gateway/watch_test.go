package gateway_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/dashsync/modules/layouts/domain/region"
	"github.com/iota-uz/dashsync/modules/layouts/infrastructure/persistence"
	"github.com/iota-uz/dashsync/modules/layouts/presentation/controllers"
	"github.com/iota-uz/dashsync/modules/layouts/services"
	"github.com/iota-uz/dashsync/pkg/eventbus"
	"github.com/iota-uz/dashsync/pkg/logging"
	"github.com/iota-uz/dashsync/pkg/retry"
)

func TestHTTPGateway_WatchFeedsRegionStore(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := eventbus.NewEventPublisher(logging.Nop())
	service := services.NewLayoutService(persistence.NewMemoryRegionRepository(), nil, logging.Nop()).WithEvents(bus)
	hub := controllers.NewLayoutEventsHub(logging.Nop())
	bus.Subscribe(hub.Publish)
	go hub.Run(ctx)

	router := mux.NewRouter()
	controllers.NewLayoutAPIController(service, logging.Nop()).Register(router)
	controllers.NewLayoutEventsController(hub, nil, logging.Nop()).Register(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	gw := newGateway(t, srv.URL)
	store := services.NewRegionStore(gw, services.StoreOptions{
		Debounce: time.Minute,
		Retry:    retry.Options{Attempts: 1, BaseDelay: time.Millisecond, Clock: clockwork.NewRealClock()},
	})
	t.Cleanup(store.Close)

	watchErr := make(chan error, 1)
	go func() { watchErr <- gw.Watch(ctx, "ops", store) }()
	require.Eventually(t, func() bool { return hub.Connected() == 1 }, 2*time.Second, 10*time.Millisecond)

	created, err := service.Create(ctx, "ops", services.CreateRequest{Type: region.TypeScheduling})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, ok := store.Region(created.ID)
		return ok && v.Version == 1 && v.State == services.StateConfirmed
	}, 2*time.Second, 10*time.Millisecond)

	_, err = service.UpdatePatch(ctx, "ops", created.ID, region.Patch{GridRow: region.Int(3)}, 1)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, ok := store.Region(created.ID)
		return ok && v.Version == 2 && v.GridRow == 3
	}, 2*time.Second, 10*time.Millisecond)

	// Changes to other layouts are not delivered to this watcher.
	_, err = service.Create(ctx, "elsewhere", services.CreateRequest{Type: region.TypeNotes})
	require.NoError(t, err)

	require.NoError(t, service.Delete(ctx, "ops", created.ID))
	require.Eventually(t, func() bool {
		_, ok := store.Region(created.ID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, store.RegionsByLayout("elsewhere"))

	cancel()
	select {
	case err := <-watchErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}

func TestHTTPGateway_WatchUnreachable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(mux.NewRouter())
	url := srv.URL
	srv.Close()

	store := services.NewRegionStore(newGateway(t, url), services.StoreOptions{})
	t.Cleanup(store.Close)

	err := newGateway(t, url).Watch(context.Background(), "ops", store)
	require.ErrorIs(t, err, services.ErrNetworkFailure)
}
