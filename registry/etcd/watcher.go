package etcd

import (
	"context"
	"time"

	"github.com/kanengo/healthd/log"
	"github.com/kanengo/healthd/registry"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

var (
	_ registry.Watcher = (*watcher)(nil)
)

type listFunc func(ctx context.Context) ([]*registry.ServiceInstance, error)

type watcher struct {
	key         string
	serviceName string
	ctx         context.Context
	cancel      context.CancelFunc

	newWatch  func() clientv3.Watcher
	list      listFunc
	watcher   clientv3.Watcher
	watchChan clientv3.WatchChan
	first     bool

	ticker *time.Ticker
	// wait before re-creating a failed watch stream
	backoff time.Duration
}

func newWatcher(ctx context.Context, key, serviceName string, newWatch func() clientv3.Watcher, list listFunc) (*watcher, error) {
	w := &watcher{
		key:         key,
		serviceName: serviceName,
		newWatch:    newWatch,
		list:        list,
		first:       true,
		ticker:      time.NewTicker(time.Minute),
		backoff:     time.Second,
	}
	w.ctx, w.cancel = context.WithCancel(ctx)

	if err := w.watch(); err != nil {
		_ = w.Stop()
		return nil, err
	}
	return w, nil
}

func (w *watcher) watch() error {
	w.watcher = w.newWatch()
	w.watchChan = w.watcher.Watch(w.ctx, w.key, clientv3.WithPrefix(), clientv3.WithRev(0), clientv3.WithKeysOnly())
	return w.watcher.RequestProgress(w.ctx)
}

// Next returns the current instance list on the first call, then again after
// every change under the service prefix. The list is also refreshed once a
// minute in case a watch event was lost.
func (w *watcher) Next() ([]*registry.ServiceInstance, error) {
	if w.first {
		w.first = false
		return w.list(w.ctx)
	}
	select {
	case <-w.ctx.Done():
		return nil, w.ctx.Err()
	case watchResp, ok := <-w.watchChan:
		if !ok || watchResp.Err() != nil {
			log.Error("[registry] watch failed", zap.String("service", w.serviceName), zap.Bool("ok", ok), zap.Error(watchResp.Err()))
			select {
			case <-time.After(w.backoff):
			case <-w.ctx.Done():
				return nil, w.ctx.Err()
			}
			if err := w.reWatch(); err != nil {
				return nil, err
			}
		}
		return w.list(w.ctx)
	case <-w.ticker.C:
		return w.list(w.ctx)
	}
}

func (w *watcher) reWatch() error {
	_ = w.watcher.Close()
	return w.watch()
}

func (w *watcher) Stop() error {
	w.ticker.Stop()
	w.cancel()
	if w.watcher == nil {
		return nil
	}
	return w.watcher.Close()
}
