package main

import (
	"bytes"
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kanengo/healthd/errors"
	"github.com/kanengo/healthd/health"
	"github.com/kanengo/healthd/registry"
	grpctransport "github.com/kanengo/healthd/transport/grpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startServer(t *testing.T) (*health.Server, string) {
	t.Helper()
	hs := health.NewServer()
	srv := grpctransport.NewServer(grpctransport.Address("127.0.0.1:0"), grpctransport.Health(hs))
	e, err := srv.Endpoint()
	require.NoError(t, err)
	go func() {
		_ = srv.Start(context.Background())
	}()
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })
	return hs, e.Host
}

func TestRun_Usage(t *testing.T) {
	var out bytes.Buffer
	assert.Error(t, run(context.Background(), nil, &out))
	assert.Error(t, run(context.Background(), []string{"ping"}, &out))
	assert.Error(t, run(context.Background(), []string{"check", "-bogus"}, &out))
}

func TestRun_Check(t *testing.T) {
	hs, addr := startServer(t)
	require.NoError(t, hs.SetServingStatus("orders", health.NotServing))

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"check", "-addr", addr}, &out))
	assert.Equal(t, "SERVING\n", out.String())

	out.Reset()
	err := run(context.Background(), []string{"check", "-addr", addr, "-service", "orders"}, &out)
	assert.True(t, errors.Is(err, errNotServing))
	assert.Equal(t, "NOT_SERVING\n", out.String())

	err = run(context.Background(), []string{"check", "-addr", addr, "-service", "missing"}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NotFound")
	assert.Contains(t, err.Error(), "SERVICE_NOT_FOUND")
}

func TestRun_Watch(t *testing.T) {
	hs, addr := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{"watch", "-addr", addr, "-service", "orders"}, out)
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "SERVICE_UNKNOWN")
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, hs.SetServingStatus("orders", health.Serving))
	require.Eventually(t, func() bool {
		return strings.HasSuffix(out.String(), " SERVING\n")
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

type fakeDiscovery struct {
	items   []*registry.ServiceInstance
	watcher *fakeWatcher
}

func (d *fakeDiscovery) ListService(ctx context.Context, serviceName string) ([]*registry.ServiceInstance, error) {
	var out []*registry.ServiceInstance
	for _, ins := range d.items {
		if ins.Name == serviceName {
			out = append(out, ins)
		}
	}
	return out, nil
}

func (d *fakeDiscovery) Watch(ctx context.Context, serviceName string) (registry.Watcher, error) {
	return d.watcher, nil
}

var errWatchDone = stderrors.New("watch done")

type fakeWatcher struct {
	lists   chan []*registry.ServiceInstance
	stopped bool
}

func (w *fakeWatcher) Next() ([]*registry.ServiceInstance, error) {
	items, ok := <-w.lists
	if !ok {
		return nil, errWatchDone
	}
	return items, nil
}

func (w *fakeWatcher) Stop() error {
	w.stopped = true
	return nil
}

func TestResolve(t *testing.T) {
	_, addr := startServer(t)
	d := &fakeDiscovery{items: []*registry.ServiceInstance{
		{ID: "1", Name: "healthd", Endpoints: []string{"http://10.0.0.3:9090"}},
		{ID: "2", Name: "healthd", Endpoints: []string{"http://127.0.0.1:9090", "grpc://" + addr}},
		{ID: "3", Name: "other", Endpoints: []string{"grpc://10.0.0.4:9000"}},
	}}

	got, err := resolve(context.Background(), d, "healthd")
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	// the resolved address reaches the registered server
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"check", "-addr", got}, &out))
	assert.Equal(t, "SERVING\n", out.String())

	_, err = resolve(context.Background(), d, "missing")
	assert.Error(t, err)

	d.items = d.items[:1]
	_, err = resolve(context.Background(), d, "healthd")
	assert.Error(t, err)
}

func TestInstances(t *testing.T) {
	a := &registry.ServiceInstance{ID: "1", Name: "healthd", Endpoints: []string{"grpc://10.0.0.3:9000"}}
	b := &registry.ServiceInstance{ID: "2", Name: "healthd", Endpoints: []string{"grpc://10.0.0.4:9000"}}
	d := &fakeDiscovery{items: []*registry.ServiceInstance{a, b}}

	var out bytes.Buffer
	require.NoError(t, instances(context.Background(), d, "healthd", false, time.Second, &out))
	assert.Equal(t, "healthd.1 grpc://10.0.0.3:9000\nhealthd.2 grpc://10.0.0.4:9000\n", out.String())

	d.watcher = &fakeWatcher{lists: make(chan []*registry.ServiceInstance, 2)}
	d.watcher.lists <- []*registry.ServiceInstance{a}
	d.watcher.lists <- []*registry.ServiceInstance{a, b}
	close(d.watcher.lists)

	out.Reset()
	err := instances(context.Background(), d, "healthd", true, time.Second, &out)
	assert.ErrorIs(t, err, errWatchDone)
	assert.True(t, d.watcher.stopped)
	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.Len(t, lines, 5)
	assert.True(t, strings.HasSuffix(lines[0], " 1 instances"))
	assert.Equal(t, "healthd.1 grpc://10.0.0.3:9000", lines[1])
	assert.True(t, strings.HasSuffix(lines[2], " 2 instances"))
	assert.Equal(t, "healthd.2 grpc://10.0.0.4:9000", lines[4])
}

func TestRun_InstancesNeedsEtcd(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), []string{"instances", "-name", "healthd"}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-etcd")
}
