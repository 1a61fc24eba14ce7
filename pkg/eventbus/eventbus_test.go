package eventbus

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type regionSaved struct {
	id string
}

type regionDropped struct {
	id string
}

func bufferedLogger(level logrus.Level) (*logrus.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	log := logrus.New()
	log.SetOutput(buf)
	log.SetLevel(level)
	return log, buf
}

func TestPublisher_DispatchesBySignature(t *testing.T) {
	t.Parallel()

	publisher := NewEventPublisher(nil)
	var saved, dropped []string
	publisher.Subscribe(func(e *regionSaved) { saved = append(saved, e.id) })
	publisher.Subscribe(func(e *regionDropped) { dropped = append(dropped, e.id) })

	publisher.Publish(&regionSaved{id: "r1"})
	publisher.Publish(&regionDropped{id: "r2"})

	assert.Equal(t, []string{"r1"}, saved)
	assert.Equal(t, []string{"r2"}, dropped)
}

func TestPublisher_NoSubscribersIsLoggedAtDebug(t *testing.T) {
	t.Parallel()

	log, buf := bufferedLogger(logrus.DebugLevel)
	publisher := NewEventPublisher(log)
	publisher.Subscribe(func(e *regionDropped) { t.Error("should not be called") })

	publisher.Publish(&regionSaved{id: "r1"})

	assert.Contains(t, buf.String(), "eventbus.Publish: no matching subscribers")
}

func TestPublisher_Unsubscribe(t *testing.T) {
	t.Parallel()

	publisher := NewEventPublisher(nil)
	calls := 0
	unsubscribe := publisher.Subscribe(func(e *regionSaved) { calls++ })
	keep := 0
	publisher.Subscribe(func(e *regionSaved) { keep++ })
	require.Equal(t, 2, publisher.SubscribersCount())

	publisher.Publish(&regionSaved{id: "r1"})
	unsubscribe()
	unsubscribe()
	publisher.Publish(&regionSaved{id: "r1"})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, keep)
	assert.Equal(t, 1, publisher.SubscribersCount())

	publisher.Clear()
	assert.Zero(t, publisher.SubscribersCount())
}

func TestPublisher_PanicRecovery(t *testing.T) {
	t.Parallel()

	log, buf := bufferedLogger(logrus.ErrorLevel)
	publisher := NewEventPublisher(log)

	called := false
	publisher.Subscribe(func(e *regionSaved) { panic("handler exploded") })
	publisher.Subscribe(func(e *regionSaved) { called = true })

	require.NotPanics(t, func() { publisher.Publish(&regionSaved{id: "r1"}) })
	assert.True(t, called, "handlers after a panicking one still run")
	assert.Contains(t, buf.String(), "panicked")
	assert.Contains(t, buf.String(), "handler exploded")
}

func TestPublisher_ConcurrentSubscribeAndPublish(t *testing.T) {
	t.Parallel()

	publisher := NewEventPublisher(nil)
	var (
		mu    sync.Mutex
		count int
	)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unsubscribe := publisher.Subscribe(func(e *regionSaved) {
				mu.Lock()
				count++
				mu.Unlock()
			})
			unsubscribe()
		}()
		go func() {
			defer wg.Done()
			publisher.Publish(&regionSaved{id: "r1"})
		}()
	}
	wg.Wait()
	assert.Zero(t, publisher.SubscribersCount())
}

func TestMatchSignature(t *testing.T) {
	t.Parallel()

	assert.True(t, MatchSignature(func(e *regionSaved) {}, []any{&regionSaved{}}))
	assert.False(t, MatchSignature(func(e *regionSaved) {}, []any{&regionDropped{}}))
	assert.False(t, MatchSignature(func(e *regionSaved) {}, []any{}))
	assert.False(t, MatchSignature(func(e *regionSaved) {}, []any{&regionSaved{}, &regionSaved{}}))
	assert.True(t, MatchSignature(func(ctx context.Context) {}, []any{context.Background()}))
	assert.True(t, MatchSignature(func(e *regionSaved) {}, []any{nil}))
	assert.False(t, MatchSignature("not a func", []any{}))
}

func TestPublisher_PublishE(t *testing.T) {
	t.Parallel()

	t.Run("no subscribers", func(t *testing.T) {
		publisher := NewEventPublisher(nil)
		require.ErrorIs(t, publisher.PublishE(&regionSaved{}), ErrNoSubscribers)
	})

	t.Run("joins handler errors", func(t *testing.T) {
		publisher := NewEventPublisher(nil)
		err1 := errors.New("err1")
		err2 := errors.New("err2")
		publisher.Subscribe(func(e *regionSaved) error { return err1 })
		publisher.Subscribe(func(e *regionSaved) error { return err2 })

		err := publisher.PublishE(&regionSaved{})
		require.ErrorIs(t, err, err1)
		require.ErrorIs(t, err, err2)
	})

	t.Run("panic surfaces as error", func(t *testing.T) {
		publisher := NewEventPublisher(nil)
		called := false
		publisher.Subscribe(func(e *regionSaved) error { panic("boom") })
		publisher.Subscribe(func(e *regionSaved) error { called = true; return nil })

		require.Error(t, publisher.PublishE(&regionSaved{}))
		assert.True(t, called)
	})

	t.Run("invalid return", func(t *testing.T) {
		publisher := NewEventPublisher(nil)
		publisher.Subscribe(func(e *regionSaved) int { return 1 })
		require.ErrorIs(t, publisher.PublishE(&regionSaved{}), ErrInvalidHandlerReturn)
	})
}
