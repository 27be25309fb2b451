// Package registry bootstraps worker rank and world size for a distributed
// SCUC run using etcd as the rendezvous point: every worker registers under
// a run-scoped key prefix, waits until the expected number of peers has
// registered, then derives its rank from the sorted order of registration
// keys — the same leader/rank-by-sorted-key pattern etcd's own client
// examples use for group membership.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Registry wraps an etcd client scoped to one run.
type Registry struct {
	client   *clientv3.Client
	runID    string
	leaseTTL time.Duration
}

// New dials etcd at the given endpoints. runID scopes every key this
// Registry touches so concurrent runs never collide.
func New(endpoints []string, runID string, dialTimeout time.Duration) (*Registry, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: dial etcd: %w", err)
	}
	return &Registry{client: cli, runID: runID, leaseTTL: 30 * time.Second}, nil
}

// Close releases the underlying etcd client.
func (r *Registry) Close() error {
	return r.client.Close()
}

func (r *Registry) prefix() string {
	return fmt.Sprintf("/scuc/runs/%s/workers/", r.runID)
}

func (r *Registry) key(workerID string) string {
	return r.prefix() + workerID
}

// Join registers workerID under this run's prefix with a keepalive lease —
// the registration disappears if the worker dies without deregistering —
// then blocks until worldSize workers have registered, polling every
// pollInterval. It returns this worker's 0-based rank (its position among
// registration keys sorted lexicographically) and the confirmed world size.
func (r *Registry) Join(ctx context.Context, workerID string, worldSize int, pollInterval time.Duration) (rank int, size int, err error) {
	lease, err := r.client.Grant(ctx, int64(r.leaseTTL.Seconds()))
	if err != nil {
		return 0, 0, fmt.Errorf("registry: grant lease: %w", err)
	}

	keepAlive, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return 0, 0, fmt.Errorf("registry: keepalive: %w", err)
	}
	go drainKeepAlive(keepAlive)

	if _, err := r.client.Put(ctx, r.key(workerID), workerID, clientv3.WithLease(lease.ID)); err != nil {
		return 0, 0, fmt.Errorf("registry: put registration: %w", err)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		keys, err := r.listSorted(ctx)
		if err != nil {
			return 0, 0, err
		}
		if len(keys) >= worldSize {
			for i, k := range keys {
				if strings.HasSuffix(k, "/"+workerID) {
					return i, len(keys), nil
				}
			}
			return 0, 0, fmt.Errorf("registry: worker %q registered but missing from listing", workerID)
		}

		select {
		case <-ctx.Done():
			return 0, 0, fmt.Errorf("registry: waiting for %d peers: %w", worldSize, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *Registry) listSorted(ctx context.Context) ([]string, error) {
	resp, err := r.client.Get(ctx, r.prefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: list peers: %w", err)
	}
	keys := make([]string, len(resp.Kvs))
	for i, kv := range resp.Kvs {
		keys[i] = string(kv.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Leave removes workerID's registration immediately, ahead of lease expiry.
func (r *Registry) Leave(ctx context.Context, workerID string) error {
	_, err := r.client.Delete(ctx, r.key(workerID))
	return err
}

func drainKeepAlive(ch <-chan *clientv3.LeaseKeepAliveResponse) {
	for range ch {
	}
}
