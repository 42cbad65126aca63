// Package vmpool owns a fixed-size arena of interpreter VMs with
// borrow/return and asynchronous recreate-on-loss semantics.
package vmpool

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Interpreter is the opaque AIR interpreter VM type. The core only needs to
// borrow, return, and (re)create instances of it.
type Interpreter interface{}

// Factory constructs a fresh Interpreter. Construction is asynchronous and
// may fail; the pool retries until the slot is filled.
type Factory func(ctx context.Context) (Interpreter, error)

// Config configures the pool.
type Config struct {
	// PoolSize is the fixed number of VM slots the pool owns.
	PoolSize int

	// WarmConcurrency bounds how many slots may be under (re)creation at once.
	WarmConcurrency int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{PoolSize: 4, WarmConcurrency: 2}
}

type slot struct {
	id      int
	vm      Interpreter
	present bool // false while the slot is being (re)built
}

type buildResult struct {
	id int
	vm Interpreter
	err error
}

// Pool is a fixed-size ring of interpreter VMs. vm_id is the stable index
// into the arena; a slot holds either a present VM or is vacant while a
// background build is in flight.
type Pool struct {
	mu sync.Mutex

	factory Factory
	config  Config
	log     *logrus.Entry

	slots []slot

	buildSem   *semaphore.Weighted
	building   map[int]bool
	results    chan buildResult

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a pool and starts building all PoolSize slots asynchronously.
func New(factory Factory, config Config, log *logrus.Entry) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		factory:  factory,
		config:   config,
		log:      log.WithField("component", "vm-pool"),
		slots:    make([]slot, config.PoolSize),
		buildSem: semaphore.NewWeighted(int64(config.WarmConcurrency)),
		building: make(map[int]bool),
		results:  make(chan buildResult, config.PoolSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := range p.slots {
		p.slots[i].id = i
	}
	for i := 0; i < config.PoolSize; i++ {
		p.scheduleBuild(i)
	}
	return p
}

// GetVM returns an idle VM or ok=false; it never blocks.
func (p *Pool) GetVM() (vmID int, vm Interpreter, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.slots {
		if p.slots[i].present {
			vm = p.slots[i].vm
			p.slots[i].present = false
			p.slots[i].vm = nil
			return i, vm, true
		}
	}
	return 0, nil, false
}

// PutVM returns a previously borrowed VM to the pool. vmID must be the
// borrowed slot's id.
func (p *Pool) PutVM(vmID int, vm Interpreter) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if vmID < 0 || vmID >= len(p.slots) {
		return fmt.Errorf("vmpool: invalid vm_id %d", vmID)
	}
	if p.slots[vmID].present {
		return fmt.Errorf("vmpool: slot %d already occupied", vmID)
	}
	p.slots[vmID].present = true
	p.slots[vmID].vm = vm
	return nil
}

// RecreateVM schedules asynchronous re-creation of a lost VM; the slot
// stays empty in the pool until the build completes.
func (p *Pool) RecreateVM(vmID int) {
	p.mu.Lock()
	already := p.building[vmID]
	p.mu.Unlock()
	if already {
		return
	}
	p.log.WithField("vm_id", vmID).Warn("recreating lost VM")
	p.scheduleBuild(vmID)
}

func (p *Pool) scheduleBuild(vmID int) {
	p.mu.Lock()
	p.building[vmID] = true
	p.mu.Unlock()

	go func() {
		if err := p.buildSem.Acquire(p.ctx, 1); err != nil {
			return
		}
		defer p.buildSem.Release(1)

		vm, err := p.factory(p.ctx)
		select {
		case p.results <- buildResult{id: vmID, vm: vm, err: err}:
		case <-p.ctx.Done():
		}
	}()
}

// Poll drives pending creation/recreation builds to completion, reinserting
// VMs into their slots as they become ready. It never blocks.
func (p *Pool) Poll(ctx context.Context) {
	for {
		select {
		case res := <-p.results:
			p.mu.Lock()
			delete(p.building, res.id)
			p.mu.Unlock()

			if res.err != nil {
				p.log.WithError(res.err).WithField("vm_id", res.id).Warn("VM build failed, retrying")
				p.scheduleBuild(res.id)
				continue
			}

			p.mu.Lock()
			p.slots[res.id].present = true
			p.slots[res.id].vm = res.vm
			p.mu.Unlock()
		default:
			return
		}
	}
}

// FreeVMs returns the number of currently idle VMs. Test/observability only.
func (p *Pool) FreeVMs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for i := range p.slots {
		if p.slots[i].present {
			n++
		}
	}
	return n
}

// Size returns the fixed pool size.
func (p *Pool) Size() int { return len(p.slots) }

// Close stops background builds. In-flight Interpreters already handed out
// to callers are not closed here; callers own them until PutVM.
func (p *Pool) Close() {
	p.cancel()
}
