// Package discovery publishes network and agent endpoints in etcd.
// Announcements are bound to a lease kept alive by the announcing process,
// so a crashed process disappears once its lease expires.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/xiaonanln/netfabric/core"
	ferrors "github.com/xiaonanln/netfabric/util/errors"
	"github.com/xiaonanln/netfabric/util/logger"
)

const (
	DefaultPrefix   = "/netfabric"
	DefaultLeaseTTL = 15 // seconds
	dialTimeout     = 5 * time.Second
)

// Role groups announced endpoints.
type Role string

const (
	RoleNetwork Role = "networks"
	RoleAgent   Role = "agents"
)

// Endpoint is one announced process.
type Endpoint struct {
	Role    Role                 `json:"role"`
	ID      string               `json:"id"`
	Address string               `json:"address"`
	Kinds   []core.ContainerKind `json:"kinds,omitempty"`
	Labels  []string             `json:"labels,omitempty"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithLeaseTTL sets the lease TTL of announcements in seconds.
func WithLeaseTTL(seconds int64) Option {
	return func(r *Registry) { r.ttl = seconds }
}

type announcement struct {
	lease  clientv3.LeaseID
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry announces and resolves endpoints under a key prefix.
type Registry struct {
	client    *clientv3.Client
	ownClient bool
	prefix    string
	ttl       int64
	logger    *logger.Logger

	mu        sync.Mutex
	announced map[string]*announcement
}

// Connect dials etcd and returns a Registry owning the connection.
func Connect(endpoints []string, prefix string, opts ...Option) (*Registry, error) {
	if len(endpoints) == 0 {
		return nil, ferrors.InvalidArgument("at least one etcd endpoint is required")
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	r := New(cli, prefix, opts...)
	r.ownClient = true
	r.logger.Infof("Connected to etcd at %v", endpoints)
	return r, nil
}

// New wraps an existing client. Close does not close it.
func New(client *clientv3.Client, prefix string, opts ...Option) *Registry {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	r := &Registry{
		client:    client,
		prefix:    strings.TrimSuffix(prefix, "/"),
		ttl:       DefaultLeaseTTL,
		logger:    logger.NewLogger("Discovery"),
		announced: make(map[string]*announcement),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) rolePrefix(role Role) string {
	return r.prefix + "/" + string(role) + "/"
}

func (r *Registry) key(role Role, id string) string {
	return r.rolePrefix(role) + id
}

// Announce publishes ep until Withdraw or Close. Announcing the same id
// again replaces the previous announcement.
func (r *Registry) Announce(ctx context.Context, ep Endpoint) error {
	if ep.Role == "" || ep.ID == "" || ep.Address == "" {
		return ferrors.InvalidArgument("endpoint needs role, id and address")
	}
	value, err := json.Marshal(ep)
	if err != nil {
		return err
	}

	lease, err := r.client.Grant(ctx, r.ttl)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	key := r.key(ep.Role, ep.ID)
	if _, err := r.client.Put(ctx, key, string(value), clientv3.WithLease(lease.ID)); err != nil {
		r.revoke(lease.ID)
		return fmt.Errorf("failed to announce %s: %w", key, err)
	}

	// The keepalive outlives ctx, which may only bound the announcement call.
	kaCtx, cancel := context.WithCancel(context.Background())
	keepAliveCh, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		r.revoke(lease.ID)
		return fmt.Errorf("failed to keep alive lease: %w", err)
	}
	a := &announcement{lease: lease.ID, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(a.done)
		for ka := range keepAliveCh {
			r.logger.Debugf("Keep-alive response for lease %d, TTL: %d", ka.ID, ka.TTL)
		}
		if kaCtx.Err() == nil {
			r.logger.Warnf("Keep-alive channel closed for %s, lease %d", key, lease.ID)
		}
	}()

	r.mu.Lock()
	old := r.announced[key]
	r.announced[key] = a
	r.mu.Unlock()
	if old != nil {
		r.stop(old)
	}
	r.logger.Infof("Announced %s at %s with lease %d", key, ep.Address, lease.ID)
	return nil
}

func (r *Registry) revoke(lease clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := r.client.Revoke(ctx, lease); err != nil {
		r.logger.Warnf("Failed to revoke lease %d: %v", lease, err)
	}
}

func (r *Registry) stop(a *announcement) {
	a.cancel()
	<-a.done
	r.revoke(a.lease)
}

// Withdraw removes the announcement of id.
func (r *Registry) Withdraw(role Role, id string) {
	key := r.key(role, id)
	r.mu.Lock()
	a := r.announced[key]
	delete(r.announced, key)
	r.mu.Unlock()
	if a != nil {
		r.stop(a)
		r.logger.Infof("Withdrew %s", key)
	}
}

func decodeEndpoint(kv *mvccpb.KeyValue) (Endpoint, error) {
	var ep Endpoint
	if err := json.Unmarshal(kv.Value, &ep); err != nil {
		return ep, fmt.Errorf("malformed endpoint at %s: %w", kv.Key, err)
	}
	return ep, nil
}

func (r *Registry) get(ctx context.Context, role Role) (map[string]Endpoint, int64, error) {
	resp, err := r.client.Get(ctx, r.rolePrefix(role), clientv3.WithPrefix())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to resolve %s: %w", role, err)
	}
	out := make(map[string]Endpoint, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		ep, err := decodeEndpoint(kv)
		if err != nil {
			r.logger.Warnf("%v", err)
			continue
		}
		out[string(kv.Key)] = ep
	}
	return out, resp.Header.Revision, nil
}

func sorted(m map[string]Endpoint) []Endpoint {
	out := make([]Endpoint, 0, len(m))
	for _, ep := range m {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Resolve returns the endpoints announced under role, ordered by id.
func (r *Registry) Resolve(ctx context.Context, role Role) ([]Endpoint, error) {
	m, _, err := r.get(ctx, role)
	if err != nil {
		return nil, err
	}
	return sorted(m), nil
}

// ResolveNetwork returns the address of the first announced network.
func (r *Registry) ResolveNetwork(ctx context.Context) (string, error) {
	eps, err := r.Resolve(ctx, RoleNetwork)
	if err != nil {
		return "", err
	}
	if len(eps) == 0 {
		return "", ferrors.New(ferrors.ErrNotFound, "no network announced under %s", r.prefix)
	}
	return eps[0].Address, nil
}

// Watch calls fn with the current endpoints of role and again after every
// change, until ctx is done.
func (r *Registry) Watch(ctx context.Context, role Role, fn func([]Endpoint)) error {
	current, rev, err := r.get(ctx, role)
	if err != nil {
		return err
	}
	fn(sorted(current))

	watchChan := r.client.Watch(ctx, r.rolePrefix(role), clientv3.WithPrefix(), clientv3.WithRev(rev+1))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case resp, ok := <-watchChan:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("watch of %s closed", role)
			}
			if err := resp.Err(); err != nil {
				r.logger.Errorf("Watch error: %v", err)
				continue
			}
			for _, ev := range resp.Events {
				key := string(ev.Kv.Key)
				switch ev.Type {
				case mvccpb.PUT:
					ep, err := decodeEndpoint(ev.Kv)
					if err != nil {
						r.logger.Warnf("%v", err)
						continue
					}
					current[key] = ep
				case mvccpb.DELETE:
					delete(current, key)
				}
			}
			fn(sorted(current))
		}
	}
}

// Close withdraws every announcement and, for registries created by
// Connect, closes the etcd client.
func (r *Registry) Close() error {
	r.mu.Lock()
	all := r.announced
	r.announced = make(map[string]*announcement)
	r.mu.Unlock()
	for _, a := range all {
		r.stop(a)
	}
	if r.ownClient {
		return r.client.Close()
	}
	return nil
}
