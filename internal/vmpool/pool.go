// Package vmpool hands out exclusive leases on the configured analysis VMs.
// Exactly one pipeline run may hold a given VM at a time; everyone else
// waiting for that VM queues FIFO. The pool consults the VM Health Ledger
// on every lease and carries its "needs attention" flag forward on the
// lease itself, but never refuses a lease over it — exclusivity is the
// pool's only hard guarantee.
package vmpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxlab/sandboxd/internal/domain"
)

// HealthChecker reports whether a VM is currently safe to hand out. The
// VM Health Ledger (package healthledger) implements this.
type HealthChecker interface {
	NeedsAttention(vmName string) bool
}

// noopHealthChecker treats every VM as healthy; used when no ledger is
// configured.
type noopHealthChecker struct{}

func (noopHealthChecker) NeedsAttention(string) bool { return false }

// vmState tracks one configured VM's lease status and FIFO waiter queue.
type vmState struct {
	spec    domain.VMSpec
	held    bool
	waiters []chan struct{} // each waiter blocks on its own channel, closed when it's their turn
}

// Pool hands out domain.VMLease values for a fixed, configured set of VMs.
type Pool struct {
	mu      sync.Mutex
	vms     map[string]*vmState
	health  HealthChecker
}

// New creates a Pool over the given VM specs. health may be nil, in which
// case every VM is treated as always healthy.
func New(specs []domain.VMSpec, health HealthChecker) *Pool {
	if health == nil {
		health = noopHealthChecker{}
	}
	vms := make(map[string]*vmState, len(specs))
	for _, s := range specs {
		vms[s.Name] = &vmState{spec: s}
	}
	return &Pool{vms: vms, health: health}
}

// IsHeld reports whether vmName is currently leased to a pipeline run. The
// periodic health sweep uses this to skip VMs it expects to be running.
func (p *Pool) IsHeld(vmName string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.vms[vmName]
	return ok && st.held
}

// Specs returns the configured VM specs, in no particular order.
func (p *Pool) Specs() []domain.VMSpec {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.VMSpec, 0, len(p.vms))
	for _, st := range p.vms {
		out = append(out, st.spec)
	}
	return out
}

// Acquire blocks until vmName is free, or ctx is done. A VM flagged
// "needs attention" is still leasable — the pool only enforces exclusivity,
// never a hard health gate, since only a successful Cleanup ever clears the
// flag and Cleanup can't run without a lease in the first place; refusing
// the lease here would permanently strand the VM with no path to recovery.
// The flag is instead carried forward onto the lease for the caller (the
// pipeline) to record on the resulting VMResult.
func (p *Pool) Acquire(ctx context.Context, vmName string, taskID uuid.UUID) (domain.VMLease, error) {
	p.mu.Lock()
	st, ok := p.vms[vmName]
	if !ok {
		p.mu.Unlock()
		return domain.VMLease{}, fmt.Errorf("vmpool: unknown vm %q", vmName)
	}

	for {
		if !st.held {
			st.held = true
			needsAttention := p.health.NeedsAttention(vmName)
			p.mu.Unlock()
			return domain.VMLease{
				VMName:         vmName,
				TaskID:         taskID,
				AcquiredAt:     time.Now().UTC(),
				NeedsAttention: needsAttention,
			}, nil
		}

		wait := make(chan struct{})
		st.waiters = append(st.waiters, wait)
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			if !p.removeWaiter(vmName, wait) {
				// Release already handed the VM to this waiter; pass it on.
				p.Release(vmName)
			}
			return domain.VMLease{}, fmt.Errorf("vmpool: acquiring %q: %w", vmName, ctx.Err())
		case <-wait:
		}

		// Release handed ownership straight to this waiter (held stays true).
		p.mu.Lock()
		needsAttention := p.health.NeedsAttention(vmName)
		p.mu.Unlock()
		return domain.VMLease{
			VMName:         vmName,
			TaskID:         taskID,
			AcquiredAt:     time.Now().UTC(),
			NeedsAttention: needsAttention,
		}, nil
	}
}

func (p *Pool) removeWaiter(vmName string, wait chan struct{}) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.vms[vmName]
	if !ok {
		return false
	}
	for i, w := range st.waiters {
		if w == wait {
			st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Release returns a VM to the pool, waking the next FIFO waiter if any.
func (p *Pool) Release(vmName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.vms[vmName]
	if !ok {
		return
	}
	if len(st.waiters) > 0 {
		next := st.waiters[0]
		st.waiters = st.waiters[1:]
		close(next)
		// held stays true: ownership transfers directly to the waiter that
		// was just woken, avoiding a window where a third caller could race
		// in and acquire the VM out of FIFO order.
		return
	}
	st.held = false
}
