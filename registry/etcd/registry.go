package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kanengo/healthd/log"
	"github.com/kanengo/healthd/registry"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

var (
	_ registry.Registrar = (*Registry)(nil)
	_ registry.Discovery = (*Registry)(nil)
)

type options struct {
	namespace string
	ttl       time.Duration
	timeout   time.Duration
	maxRetry  int
}

type Option func(*options)

// Namespace with registry namespace.
func Namespace(ns string) Option {
	return func(o *options) { o.namespace = ns }
}

// RegisterTTL with register ttl.
func RegisterTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// Timeout bounds each etcd request.
func Timeout(timeout time.Duration) Option {
	return func(o *options) { o.timeout = timeout }
}

func MaxRetry(num int) Option {
	return func(o *options) { o.maxRetry = num }
}

// Registry keeps one leased key per registered instance:
// <namespace>/<name>/<id> -> JSON ServiceInstance.
type Registry struct {
	opts   *options
	client *clientv3.Client

	mu         sync.Mutex
	lease      clientv3.Lease
	leaseID    clientv3.LeaseID
	cancelBeat context.CancelFunc
}

func New(client *clientv3.Client, opt ...Option) *Registry {
	opts := &options{
		namespace: "/healthd",
		ttl:       time.Second * 15,
		timeout:   time.Second * 3,
		maxRetry:  5,
	}

	for _, o := range opt {
		o(opts)
	}

	return &Registry{
		opts:   opts,
		client: client,
	}
}

func serviceKey(namespace, name string) string {
	return fmt.Sprintf("%s/%s", namespace, name)
}

func instanceKey(namespace, name, id string) string {
	return fmt.Sprintf("%s/%s/%s", namespace, name, id)
}

func unmarshal(data []byte) (*registry.ServiceInstance, error) {
	ins := &registry.ServiceInstance{}
	if err := json.Unmarshal(data, ins); err != nil {
		return nil, err
	}
	return ins, nil
}

// decodeInstances keeps the instances registered under exactly serviceName.
// A prefix scan of "ns/orders/" also returns the keys of "ns/orders/eu", and
// their Name tells them apart.
func decodeInstances(serviceName string, kvs []*mvccpb.KeyValue) []*registry.ServiceInstance {
	items := make([]*registry.ServiceInstance, 0, len(kvs))
	for _, kv := range kvs {
		ins, err := unmarshal(kv.Value)
		if err != nil {
			log.Warn("[registry] skip malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		if ins.Name != serviceName {
			continue
		}
		items = append(items, ins)
	}
	return items
}

func (r *Registry) ListService(ctx context.Context, serviceName string) ([]*registry.ServiceInstance, error) {
	key := serviceKey(r.opts.namespace, serviceName) + "/"
	resp, err := r.client.Get(ctx, key, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	return decodeInstances(serviceName, resp.Kvs), nil
}

// Watch follows the instances of serviceName. The returned watcher owns an
// etcd watch stream until Stop.
func (r *Registry) Watch(ctx context.Context, serviceName string) (registry.Watcher, error) {
	key := serviceKey(r.opts.namespace, serviceName) + "/"
	list := func(ctx context.Context) ([]*registry.ServiceInstance, error) {
		ctx, cancel := context.WithTimeout(ctx, r.opts.timeout)
		defer cancel()
		return r.ListService(ctx, serviceName)
	}
	newWatch := func() clientv3.Watcher {
		return clientv3.NewWatcher(r.client)
	}
	return newWatcher(ctx, key, serviceName, newWatch, list)
}

// Register puts the instance under a fresh lease and keeps the lease alive
// until DeRegister. A previous registration made through r is replaced.
func (r *Registry) Register(ctx context.Context, ins *registry.ServiceInstance) error {
	key := instanceKey(r.opts.namespace, ins.Name, ins.ID)
	b, err := json.Marshal(ins)
	if err != nil {
		return err
	}
	value := string(b)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()

	r.lease = clientv3.NewLease(r.client)
	timeoutCtx, cancel := context.WithTimeout(ctx, r.opts.timeout)
	leaseID, err := r.registerWithKV(timeoutCtx, r.lease, key, value)
	cancel()
	if err != nil {
		_ = r.lease.Close()
		r.lease = nil
		return err
	}
	r.leaseID = leaseID

	beatCtx, beatCancel := context.WithCancel(context.Background())
	r.cancelBeat = beatCancel
	go r.heartbeat(beatCtx, r.lease, leaseID, key, value)

	log.Info("[registry] instance registered", zap.String("key", key), zap.Int64("lease", int64(leaseID)))
	return nil
}

func (r *Registry) DeRegister(ctx context.Context, ins *registry.ServiceInstance) error {
	key := instanceKey(r.opts.namespace, ins.Name, ins.ID)
	timeoutCtx, cancel := context.WithTimeout(ctx, r.opts.timeout)
	defer cancel()

	r.mu.Lock()
	leaseID := r.leaseID
	lease := r.lease
	if r.cancelBeat != nil {
		r.cancelBeat()
		r.cancelBeat = nil
	}
	r.lease = nil
	r.leaseID = 0
	r.mu.Unlock()

	_, err := r.client.Delete(timeoutCtx, key)
	if lease != nil {
		if leaseID != 0 {
			if _, rerr := lease.Revoke(timeoutCtx, leaseID); rerr != nil && rerr != rpctypes.ErrLeaseNotFound && err == nil {
				err = rerr
			}
		}
		_ = lease.Close()
	}
	log.Info("[registry] instance deregistered", zap.String("key", key), zap.Error(err))
	return err
}

func (r *Registry) stopLocked() {
	if r.cancelBeat != nil {
		r.cancelBeat()
		r.cancelBeat = nil
	}
	if r.lease != nil {
		_ = r.lease.Close()
		r.lease = nil
	}
	r.leaseID = 0
}

func (r *Registry) registerWithKV(ctx context.Context, lease clientv3.Lease, key, val string) (clientv3.LeaseID, error) {
	grant, err := lease.Grant(ctx, int64(r.opts.ttl.Seconds()))
	if err != nil {
		return 0, err
	}

	_, err = r.client.Put(ctx, key, val, clientv3.WithLease(grant.ID))
	if err != nil {
		return 0, err
	}

	return grant.ID, nil
}

// heartbeat keeps the lease alive. When the keepalive channel closes, for
// example after the lease expired during a partition, the key is written
// again under a new lease, up to maxRetry attempts in a row.
func (r *Registry) heartbeat(ctx context.Context, lease clientv3.Lease, leaseID clientv3.LeaseID, key, val string) {
	curLeaseID := leaseID
	kac, err := lease.KeepAlive(ctx, leaseID)
	if err != nil {
		curLeaseID = 0
	}

	for {
		if curLeaseID == 0 {
			for retryCnt := 0; retryCnt < r.opts.maxRetry; retryCnt++ {
				if ctx.Err() != nil {
					return
				}

				timeoutCtx, cancel := context.WithTimeout(ctx, r.opts.timeout)
				id, err := r.registerWithKV(timeoutCtx, lease, key, val)
				cancel()
				if err == nil {
					kac, err = lease.KeepAlive(ctx, id)
				}
				if err == nil {
					curLeaseID = id
					r.setLeaseID(ctx, id)
					log.Info("[registry] lease renewed", zap.String("key", key), zap.Int64("lease", int64(id)))
					break
				}
				log.Warn("[registry] re-register failed", zap.String("key", key), zap.Int("retry", retryCnt), zap.Error(err))

				select {
				case <-time.After(r.opts.timeout):
				case <-ctx.Done():
					return
				}
			}
			if curLeaseID == 0 {
				log.Error("[registry] giving up keepalive", zap.String("key", key), zap.Int("retries", r.opts.maxRetry))
				return
			}
		}

		select {
		case _, ok := <-kac:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				curLeaseID = 0
			}
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) setLeaseID(ctx context.Context, id clientv3.LeaseID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx.Err() == nil {
		r.leaseID = id
	}
}
