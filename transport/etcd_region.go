package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"gpio-rpc/protocol"
)

// ErrContention is returned when an Update keeps losing its compare-and-swap.
var ErrContention = errors.New("transport: etcd region update contended")

const etcdUpdateAttempts = 8

// EtcdRegion keeps the shared buffer under a single etcd key, so the host and
// the peer can poll it from different machines.
//
//	Key:   {key}, e.g. /gpio-rpc/buffer
//	Value: the raw buffer bytes
//
// Updates are read-modify-write transactions guarded by the key's
// ModRevision; a concurrent writer makes the Txn fail and the update retry.
type EtcdRegion struct {
	client  *clientv3.Client // thread-safe, may be shared
	key     string
	size    int
	timeout time.Duration
	owned   bool
}

// NewEtcdRegion dials etcd and returns a region owning the client.
func NewEtcdRegion(endpoints []string, key string, size int, timeout time.Duration) (*EtcdRegion, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd region dial: %w", err)
	}
	r := NewEtcdRegionFromClient(c, key, size, timeout)
	r.owned = true
	return r, nil
}

// NewEtcdRegionFromClient wraps an existing client; Close leaves it open.
func NewEtcdRegionFromClient(c *clientv3.Client, key string, size int, timeout time.Duration) *EtcdRegion {
	if size <= 1 {
		size = protocol.BufferSize
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &EtcdRegion{client: c, key: key, size: size, timeout: timeout}
}

func (r *EtcdRegion) Size() int {
	return r.size
}

func (r *EtcdRegion) Snapshot() ([]byte, error) {
	buf, _, err := r.load()
	return buf, err
}

func (r *EtcdRegion) Update(fn func(buf []byte) error) error {
	for attempt := 0; attempt < etcdUpdateAttempts; attempt++ {
		buf, rev, err := r.load()
		if err != nil {
			return err
		}
		if err := fn(buf); err != nil {
			return err
		}

		// A missing key has CreateRevision 0; otherwise pin the revision we read.
		cmp := clientv3.Compare(clientv3.CreateRevision(r.key), "=", 0)
		if rev != 0 {
			cmp = clientv3.Compare(clientv3.ModRevision(r.key), "=", rev)
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		resp, err := r.client.Txn(ctx).If(cmp).Then(clientv3.OpPut(r.key, string(buf))).Commit()
		cancel()
		if err != nil {
			return fmt.Errorf("etcd region put %s: %w", r.key, err)
		}
		if resp.Succeeded {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrContention, r.key)
}

// Close releases the client if the region dialed it.
func (r *EtcdRegion) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}

// load reads the key, returning a buffer of exactly r.size bytes and the
// key's ModRevision (0 when absent).
func (r *EtcdRegion) load() ([]byte, int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	resp, err := r.client.Get(ctx, r.key)
	if err != nil {
		return nil, 0, fmt.Errorf("etcd region get %s: %w", r.key, err)
	}
	buf := make([]byte, r.size)
	if len(resp.Kvs) == 0 {
		return buf, 0, nil
	}
	kv := resp.Kvs[0]
	copy(buf, kv.Value)
	return buf, kv.ModRevision, nil
}
