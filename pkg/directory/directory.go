// Package directory wraps go.etcd.io/etcd/client/v3 with the small
// operation set the agent actually needs: prefix get/watch, lease
// allocate/refresh, and put/delete, with sentinel errors for the caller to
// branch on.
package directory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/amesh-project/amesh/pkg/context"
)

// ErrTransient is returned for retryable failures: connection reset,
// timeout, lease-gone. The caller sleeps 1s and retries.
var ErrTransient = errors.New("directory: transient failure")

// ErrUnavailable is returned when the underlying client itself should be
// reopened rather than merely retried.
var ErrUnavailable = errors.New("directory: unavailable")

// Event is one change observed on a watched prefix.
type Event struct {
	Type  EventType
	Key   string
	Value string
}

type EventType int

const (
	EventPut EventType = iota
	EventDelete
)

// Lease is an allocated, renewable lease handle.
type Lease struct {
	ID  clientv3.LeaseID
	TTL int64
}

// Client is a thin, opinionated wrapper over an etcd v3 client.
type Client struct {
	cli *clientv3.Client
}

// Config carries the [etcd] connection options.
type Config struct {
	Endpoint string
	Username string
	Password string
}

// Dial opens a new etcd client.
func Dial(cfg Config) (*Client, error) {
	etcdCfg := clientv3.Config{
		Endpoints:   []string{cfg.Endpoint},
		DialTimeout: 5 * time.Second,
		Username:    cfg.Username,
		Password:    cfg.Password,
	}
	cli, err := clientv3.New(etcdCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnavailable, cfg.Endpoint, err)
	}
	return &Client{cli: cli}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.cli.Close()
}

// GetPrefix returns every key/value pair currently stored under prefix, a
// bounded snapshot.
func (c *Client) GetPrefix(ctx context.Context, prefix string) ([]Event, error) {
	resp, err := c.cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, classify(err)
	}
	out := make([]Event, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, Event{Type: EventPut, Key: string(kv.Key), Value: string(kv.Value)})
	}
	return out, nil
}

// Watcher is a live subscription to change events under a prefix.
type Watcher struct {
	ch     clientv3.WatchChan
	cancel context.CancelFunc
}

// Next blocks for the next etcd watch response and translates its events.
// It returns false once the watch channel is closed.
func (w *Watcher) Next() ([]Event, bool) {
	resp, ok := <-w.ch
	if !ok {
		return nil, false
	}
	out := make([]Event, 0, len(resp.Events))
	for _, ev := range resp.Events {
		e := Event{Key: string(ev.Kv.Key), Value: string(ev.Kv.Value)}
		if ev.Type == clientv3.EventTypeDelete {
			e.Type = EventDelete
		}
		out = append(out, e)
	}
	return out, true
}

// Cancel aborts the watch, waking any blocked Next call; the watcher
// invokes it on shutdown.
func (w *Watcher) Cancel() {
	w.cancel()
}

// WatchPrefix begins watching prefix for changes.
func (c *Client) WatchPrefix(ctx context.Context, prefix string) *Watcher {
	watchCtx, cancel := context.WithCancel(ctx)
	ch := c.cli.Watch(watchCtx, prefix, clientv3.WithPrefix())
	return &Watcher{ch: ch, cancel: cancel}
}

// LeaseAllocate grants a lease with the given TTL (seconds). The lease id
// is the one etcd assigns: clientv3's Grant takes only a TTL, so the
// deterministic id from DeriveLeaseID is computed but not sent. A new
// lease therefore does not replace an older lease of the same node; that
// one lapses at its own TTL.
func (c *Client) LeaseAllocate(ctx context.Context, ttlSeconds int64, nodeID string) (*Lease, error) {
	wanted := DeriveLeaseID(nodeID)
	resp, err := c.cli.Lease.Grant(ctx, ttlSeconds)
	if err != nil {
		return nil, classify(err)
	}
	_ = wanted // unused: etcd's Grant API does not accept a caller-chosen ID.
	return &Lease{ID: resp.ID, TTL: ttlSeconds}, nil
}

// LeaseRefresh sends a single keepalive heartbeat for lease.
func (c *Client) LeaseRefresh(ctx context.Context, lease *Lease) error {
	_, err := c.cli.Lease.KeepAliveOnce(ctx, lease.ID)
	if err != nil {
		return classify(err)
	}
	return nil
}

// Put writes key=value under lease.
func (c *Client) Put(ctx context.Context, key, value string, lease *Lease) error {
	opts := []clientv3.OpOption{}
	if lease != nil {
		opts = append(opts, clientv3.WithLease(lease.ID))
	}
	_, err := c.cli.Put(ctx, key, value, opts...)
	if err != nil {
		return classify(err)
	}
	return nil
}

// Delete removes a single key.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.cli.Delete(ctx, key)
	return classify(err)
}

// DeletePrefix removes every key under prefix.
func (c *Client) DeletePrefix(ctx context.Context, prefix string) error {
	_, err := c.cli.Delete(ctx, prefix, clientv3.WithPrefix())
	return classify(err)
}

// DeriveLeaseID computes the deterministic lease id for a node:
// uuid-v3(DNS, node_id) folded into an int64. uuid-v3 is name-based MD5
// hashing under a namespace, which google/uuid exposes directly as NewMD5.
// The first 8 bytes of the resulting UUID are reduced modulo
// math.MaxInt64-1 and shifted up by one into [1, MaxInt64-1], since etcd
// rejects a zero lease id.
func DeriveLeaseID(nodeID string) int64 {
	id := uuid.NewMD5(uuid.NameSpaceDNS, []byte(nodeID))
	v := binary.BigEndian.Uint64(id[:8])
	return int64(v%uint64(math.MaxInt64-1)) + 1
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, rpctypes.ErrNoSpace), errors.Is(err, rpctypes.ErrLeaderChanged),
		errors.Is(err, rpctypes.ErrTimeout), errors.Is(err, rpctypes.ErrTimeoutDueToLeaderFail),
		errors.Is(err, rpctypes.ErrTimeoutDueToConnectionLost), errors.Is(err, rpctypes.ErrGRPCTimeout):
		return fmt.Errorf("%w: %v", ErrTransient, err)
	case errors.Is(err, clientv3.ErrNoAvailableEndpoints), errors.Is(err, clientv3.ErrOldCluster):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
}
