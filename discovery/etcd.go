// Package discovery advertises running server instances in etcd so operators
// and load generators can find them.
//
// Each instance lives under one key:
//
//	Key:   /mini-ops/servers/{instance-id}
//	Value: JSON-encoded Instance
//
// Advertisement uses TTL-based leases: a crashed server stops renewing, the
// lease expires, and etcd drops the entry on its own — no ghost instances.
package discovery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/ksuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const prefix = "/mini-ops/servers/"

// Instance is one advertised server.
type Instance struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// NewInstance mints an instance for the given serving address. Ids are
// ksuids: unique across hosts and sortable by start time, so a directory
// listing doubles as a start-order log.
func NewInstance(addr string) Instance {
	return Instance{
		ID:   ksuid.New().String(),
		Addr: addr,
	}
}

// Directory is a handle to the instance directory in etcd.
type Directory struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	logger *zap.Logger
}

// Option configures a Directory.
type Option func(*Directory)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Directory) { d.logger = logger }
}

// NewDirectory connects to the given etcd endpoints.
func NewDirectory(endpoints []string, opts ...Option) (*Directory, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	d := &Directory{
		client: c,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Advertise publishes the instance with a TTL lease and keeps renewing it in
// the background until Deregister removes the key or the process dies.
func (d *Directory) Advertise(ctx context.Context, inst Instance, ttl int64) error {
	lease, err := d.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(inst)
	if err != nil {
		return err
	}

	_, err = d.client.Put(ctx, prefix+inst.ID, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	// Renewal must outlive this call, so KeepAlive gets its own context.
	ch, err := d.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return err
	}

	// Drain renewal responses so the channel never fills up.
	go func() {
		for range ch {
		}
		d.logger.Debug("lease renewal stopped", zap.String("id", inst.ID))
	}()

	d.logger.Info("advertised instance",
		zap.String("id", inst.ID),
		zap.String("addr", inst.Addr),
		zap.Int64("ttl", ttl))
	return nil
}

// Deregister removes the instance's key. Called during graceful shutdown
// before the listener closes.
func (d *Directory) Deregister(ctx context.Context, id string) error {
	_, err := d.client.Delete(ctx, prefix+id)
	if err != nil {
		return err
	}
	d.logger.Info("deregistered instance", zap.String("id", id))
	return nil
}

// Discover lists the currently advertised instances.
func (d *Directory) Discover(ctx context.Context) ([]Instance, error) {
	resp, err := d.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			d.logger.Debug("skipping malformed directory entry",
				zap.ByteString("key", kv.Key),
				zap.Error(err))
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Watch emits the full instance list after every directory change until ctx
// is done. On any change the list is re-fetched whole — simpler than folding
// individual watch events into incremental updates.
func (d *Directory) Watch(ctx context.Context) <-chan []Instance {
	ch := make(chan []Instance, 1)

	go func() {
		defer close(ch)
		watchChan := d.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for range watchChan {
			instances, err := d.Discover(ctx)
			if err != nil {
				d.logger.Warn("re-fetch after directory change failed", zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Close releases the etcd client.
func (d *Directory) Close() error {
	return d.client.Close()
}
