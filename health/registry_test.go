package health

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kanengo/healthd/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestRegistry_DefaultEntry(t *testing.T) {
	r := NewRegistry()

	st, err := r.Get("")
	require.NoError(t, err)
	assert.Equal(t, Serving, st)

	_, err = r.Get("grpc.health.v1.Health")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_IdempotentSet(t *testing.T) {
	r := NewRegistry()
	sub := r.events.Subscribe()
	defer sub.Close()

	require.NoError(t, r.Set("x", Serving))
	require.NoError(t, r.Set("x", Serving))

	assert.Equal(t, Event{Service: "x", Status: Serving}, nextEvent(t, sub))
	requireNoEvent(t, sub)
}

func TestRegistry_FirstSetAlwaysPublishes(t *testing.T) {
	r := NewRegistry()
	sub := r.events.Subscribe()
	defer sub.Close()

	// Unknown is still a change from "absent"
	require.NoError(t, r.Set("x", Unknown))
	assert.Equal(t, Event{Service: "x", Status: Unknown}, nextEvent(t, sub))
}

func TestRegistry_DistinctSet(t *testing.T) {
	r := NewRegistry()
	sub := r.events.Subscribe()
	defer sub.Close()

	require.NoError(t, r.Set("x", Serving))
	require.NoError(t, r.Set("x", NotServing))

	assert.Equal(t, Event{Service: "x", Status: Serving}, nextEvent(t, sub))
	assert.Equal(t, Event{Service: "x", Status: NotServing}, nextEvent(t, sub))
	requireNoEvent(t, sub)

	st, err := r.Get("x")
	require.NoError(t, err)
	assert.Equal(t, NotServing, st)
}

func TestRegistry_ShutdownSelectivity(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Set("a", NotServing))
	require.NoError(t, r.Set("b", Serving))

	sub := r.events.Subscribe()
	defer sub.Close()

	require.NoError(t, r.Shutdown())

	assert.Equal(t, Event{Service: "", Status: NotServing}, nextEvent(t, sub))
	assert.Equal(t, Event{Service: "b", Status: NotServing}, nextEvent(t, sub))
	requireNoEvent(t, sub)

	for _, name := range []string{"", "a", "b"} {
		st, err := r.Get(name)
		require.NoError(t, err)
		assert.Equal(t, NotServing, st, "service %q", name)
	}

	// a second drain changes nothing
	require.NoError(t, r.Shutdown())
	requireNoEvent(t, sub)
}

func TestRegistry_Resume(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Set("a", NotServing))
	require.NoError(t, r.Set("b", Serving))

	sub := r.events.Subscribe()
	defer sub.Close()

	require.NoError(t, r.Resume())
	assert.Equal(t, Event{Service: "a", Status: Serving}, nextEvent(t, sub))
	requireNoEvent(t, sub)
}

func TestRegistry_ConcurrentWriters(t *testing.T) {
	const n = 100

	r := NewRegistry()
	sub := r.events.Subscribe()
	defer sub.Close()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := Serving
			if i%2 == 0 {
				status = NotServing
			}
			assert.NoError(t, r.Set(fmt.Sprintf("svc-%d", i), status))
		}(i)
	}
	wg.Wait()

	seen := make(map[string]Status, n)
	for i := 0; i < n; i++ {
		ev := nextEvent(t, sub)
		_, dup := seen[ev.Service]
		require.False(t, dup, "duplicate event for %s", ev.Service)
		seen[ev.Service] = ev.Status
	}
	requireNoEvent(t, sub)

	services := r.Services()
	assert.Len(t, services, n+1)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("svc-%d", i)
		want := Serving
		if i%2 == 0 {
			want = NotServing
		}
		assert.Equal(t, want, services[name])
		assert.Equal(t, want, seen[name])
	}
}

func TestRegistry_ServicesIsACopy(t *testing.T) {
	r := NewRegistry()
	services := r.Services()
	services["injected"] = Serving

	_, err := r.Get("injected")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_Closed(t *testing.T) {
	r := NewRegistry()
	r.Close()
	r.Close()

	_, err := r.Get("")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, r.Set("a", Serving), ErrClosed)
	assert.ErrorIs(t, r.Shutdown(), ErrClosed)
	assert.ErrorIs(t, r.Resume(), ErrClosed)

	_, err = r.Watch(context.Background(), "")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus(" not_serving ")
	require.NoError(t, err)
	assert.Equal(t, NotServing, st)

	st, err = ParseStatus("SERVING")
	require.NoError(t, err)
	assert.Equal(t, Serving, st)

	_, err = ParseStatus("GREEN")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

// blockingSyncer holds every write until release is closed.
type blockingSyncer struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSyncer) Write(p []byte) (int, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return len(p), nil
}

func (s *blockingSyncer) Sync() error { return nil }

func TestRegistry_LogsOutsideLock(t *testing.T) {
	prev := log.Logger()
	defer log.SetLogger(prev)

	ws := &blockingSyncer{entered: make(chan struct{}), release: make(chan struct{})}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), ws, zapcore.InfoLevel)
	log.SetLogger(zap.New(core))

	r := NewRegistry()
	setDone := make(chan error, 1)
	go func() { setDone <- r.Set("a", NotServing) }()

	select {
	case <-ws.entered:
	case <-time.After(time.Second):
		t.Fatal("Set did not log")
	}

	// the log write is stuck; readers and writers must not be
	readDone := make(chan error, 1)
	go func() {
		_, err := r.Get("a")
		readDone <- err
	}()
	select {
	case err := <-readDone:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Get blocked behind a log write")
	}

	close(ws.release)
	require.NoError(t, <-setDone)
	require.NoError(t, r.Set("b", Serving))
}
