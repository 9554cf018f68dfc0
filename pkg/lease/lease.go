// Package lease serializes transition cycles across controller replicas
// with an etcd lease, so only one replica mutates jobs at a time.
package lease

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"
)

const (
	DefaultKey = "/nomad-idle-scaler/cycle"
	DefaultTTL = 5 * time.Minute
)

// Options configures a CycleLease
type Options struct {
	Key string
	// TTL bounds how long a crashed holder blocks other replicas
	TTL time.Duration
	// Holder identifies this replica, default hostname-pid
	Holder string
	Clock  clock.PassiveClock
}

// Record is the value stored under the lease key
type Record struct {
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// CycleLease grants one replica the right to run the current cycle
type CycleLease struct {
	kv     clientv3.KV
	leases clientv3.Lease
	key    string
	ttl    int64
	holder string
	clock  clock.PassiveClock
}

// New returns a CycleLease backed by cli.
func New(cli *clientv3.Client, opts Options) *CycleLease {
	return newCycleLease(cli, cli, opts)
}

func newCycleLease(kv clientv3.KV, leases clientv3.Lease, opts Options) *CycleLease {
	if opts.Key == "" {
		opts.Key = DefaultKey
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Holder == "" {
		opts.Holder = defaultHolder()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	ttl := int64(opts.TTL / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	return &CycleLease{
		kv:     kv,
		leases: leases,
		key:    opts.Key,
		ttl:    ttl,
		holder: opts.Holder,
		clock:  opts.Clock,
	}
}

// TryAcquire takes the cycle lease if no other replica holds it. The lease
// is kept alive until the returned release func revokes it, which must
// happen once the cycle is done; it is nil when the lease was not acquired.
func (l *CycleLease) TryAcquire(ctx context.Context) (release func(context.Context), acquired bool, err error) {
	grant, err := l.leases.Grant(ctx, l.ttl)
	if err != nil {
		return nil, false, fmt.Errorf("grant lease: %w", err)
	}

	now := l.clock.Now()
	value, err := json.Marshal(Record{
		Holder:     l.holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(time.Duration(l.ttl) * time.Second),
	})
	if err != nil {
		return nil, false, err
	}

	resp, err := l.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(l.key), "=", 0)).
		Then(clientv3.OpPut(l.key, string(value), clientv3.WithLease(grant.ID))).
		Else(clientv3.OpGet(l.key)).
		Commit()
	if err != nil {
		l.revoke(grant.ID)
		return nil, false, fmt.Errorf("lease txn: %w", err)
	}
	if !resp.Succeeded {
		l.revoke(grant.ID)
		klog.V(2).Infof("Cycle lease %s held by %s", l.key, currentHolder(resp))
		return nil, false, nil
	}

	// Renew for as long as the cycle runs, however long that is
	keepCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	renewals, err := l.leases.KeepAlive(keepCtx, grant.ID)
	if err != nil {
		stop()
		l.revoke(grant.ID)
		return nil, false, fmt.Errorf("keep lease alive: %w", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range renewals {
		}
		if keepCtx.Err() == nil {
			klog.Warningf("Cycle lease %s lost before the cycle finished", l.key)
		}
	}()

	klog.V(3).Infof("Cycle lease %s acquired by %s (ttl %ds)", l.key, l.holder, l.ttl)
	return func(ctx context.Context) {
		stop()
		<-done
		if _, err := l.leases.Revoke(ctx, grant.ID); err != nil {
			klog.Warningf("Failed to release cycle lease %s, it expires in %ds: %v", l.key, l.ttl, err)
		}
	}, true, nil
}

func (l *CycleLease) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := l.leases.Revoke(ctx, id); err != nil {
		klog.V(4).Infof("Revoke unused lease %x: %v", id, err)
	}
}

func currentHolder(resp *clientv3.TxnResponse) string {
	for _, r := range resp.Responses {
		rng := r.GetResponseRange()
		if rng == nil || len(rng.Kvs) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(rng.Kvs[0].Value, &rec); err == nil && rec.Holder != "" {
			return rec.Holder
		}
	}
	return "another replica"
}

func defaultHolder() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
