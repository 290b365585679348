// Package discovery announces and finds game servers through etcd.
//
// Every game server that wants to be found writes one key under a shared prefix:
//
//	Key:   {prefix}{control host:port}
//	Value: JSON-encoded Instance
//
// The key is bound to a TTL lease that the game server keeps alive. If it crashes,
// the lease expires and the key disappears, which the dispatcher sees as a delete event.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "/game-dispatcher/backends/"

// Instance describes one announced game server.
type Instance struct {
	Addr       string `json:"addr"`                  // control address the dispatcher dials
	PublicAddr string `json:"public_addr,omitempty"` // address players connect to
	Version    int    `json:"version,omitempty"`
}

// EventType distinguishes announcements from withdrawals.
type EventType int

const (
	EventPut EventType = iota
	EventDelete
)

func (t EventType) String() string {
	if t == EventDelete {
		return "delete"
	}
	return "put"
}

// Event is one change under the discovery prefix.
type Event struct {
	Type     EventType
	Instance Instance
}

// EtcdDiscovery implements registration and watching on top of etcd v3.
type EtcdDiscovery struct {
	client *clientv3.Client // thread-safe, shared by every goroutine
	prefix string
	logger *zap.Logger
}

// NewEtcdDiscovery connects to the given etcd endpoints.
func NewEtcdDiscovery(endpoints []string, prefix string, dialTimeout time.Duration, logger *zap.Logger) (*EtcdDiscovery, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd %v: %w", endpoints, err)
	}
	return &EtcdDiscovery{
		client: c,
		prefix: prefix,
		logger: logger.With(zap.String("component", "discovery")),
	}, nil
}

func (d *EtcdDiscovery) key(addr string) string { return d.prefix + addr }

func (d *EtcdDiscovery) addrFromKey(key string) string {
	return strings.TrimPrefix(key, d.prefix)
}

// Register announces inst under a lease of ttl seconds and keeps the lease alive
// until ctx is cancelled.
//
// leaseID stays local so that one EtcdDiscovery can register several instances.
func (d *EtcdDiscovery) Register(ctx context.Context, inst Instance, ttl int64) error {
	lease, err := d.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}

	val, err := json.Marshal(inst)
	if err != nil {
		return err
	}

	if _, err := d.client.Put(ctx, d.key(inst.Addr), string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("put %s: %w", d.key(inst.Addr), err)
	}

	ch, err := d.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("keepalive: %w", err)
	}

	// Drain KeepAlive responses so the channel never fills up.
	go func() {
		for range ch {
		}
		d.logger.Debug("lease keepalive stopped", zap.String("addr", inst.Addr))
	}()

	d.logger.Info("registered", zap.String("addr", inst.Addr), zap.Int64("ttl", ttl))
	return nil
}

// Deregister withdraws an announcement. Called during graceful shutdown.
func (d *EtcdDiscovery) Deregister(ctx context.Context, addr string) error {
	if _, err := d.client.Delete(ctx, d.key(addr)); err != nil {
		return fmt.Errorf("delete %s: %w", d.key(addr), err)
	}
	return nil
}

// Discover returns every instance currently announced.
func (d *EtcdDiscovery) Discover(ctx context.Context) ([]Instance, error) {
	resp, err := d.client.Get(ctx, d.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		inst, err := d.decode(kv.Key, kv.Value)
		if err != nil {
			d.logger.Warn("skip malformed entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Watch emits one Event per change under the prefix until ctx is cancelled.
// The returned channel is closed when the watch ends.
func (d *EtcdDiscovery) Watch(ctx context.Context) <-chan Event {
	out := make(chan Event, 16)

	go func() {
		defer close(out)
		watchChan := d.client.Watch(ctx, d.prefix, clientv3.WithPrefix())
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				d.logger.Warn("watch error", zap.Error(err))
				continue
			}
			for _, ev := range resp.Events {
				var event Event
				switch ev.Type {
				case clientv3.EventTypeDelete:
					event = Event{Type: EventDelete, Instance: Instance{Addr: d.addrFromKey(string(ev.Kv.Key))}}
				default:
					inst, err := d.decode(ev.Kv.Key, ev.Kv.Value)
					if err != nil {
						d.logger.Warn("skip malformed entry", zap.ByteString("key", ev.Kv.Key), zap.Error(err))
						continue
					}
					event = Event{Type: EventPut, Instance: inst}
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

func (d *EtcdDiscovery) decode(key, value []byte) (Instance, error) {
	var inst Instance
	if err := json.Unmarshal(value, &inst); err != nil {
		return Instance{}, err
	}
	if inst.Addr == "" {
		inst.Addr = d.addrFromKey(string(key))
	}
	return inst, nil
}

// Close releases the etcd connection.
func (d *EtcdDiscovery) Close() error {
	return d.client.Close()
}
