package worker

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"visiond/internal/catalog"
	"visiond/internal/common/backoff"
	"visiond/internal/events"
	"visiond/internal/registry"
	"visiond/pkg/types"
)

const (
	defaultCallTimeout = 30 * time.Second
	defaultRetention   = time.Hour
	janitorInterval    = 15 * time.Second
	defaultQueueDepth  = 16
	defaultMaxPerEnv   = 1
)

// EnvProvider supplies ready environments. Satisfied by
// provision.Provisioner.
type EnvProvider interface {
	Resolve(ctx context.Context, spec types.EnvironmentSpec) (types.EnvironmentSpec, string)
	EnsureReady(ctx context.Context, spec types.EnvironmentSpec, artifacts []catalog.Artifact) (registry.Record, error)
}

// Config wires an Invoker.
type Config struct {
	Catalog *catalog.Catalog
	Env     EnvProvider
	// MaxWorkersPerEnv caps worker processes per model pool.
	MaxWorkersPerEnv int
	// MaxQueueDepth caps queued calls per model pool; overflow is 429.
	MaxQueueDepth int
	// DefaultTimeout applies when a request carries no timeout.
	DefaultTimeout time.Duration
	// IdleEvict stops workers idle longer than this; 0 disables eviction.
	IdleEvict time.Duration
	// CallRetention keeps terminal calls pollable for this long.
	CallRetention time.Duration
	// RespawnPolicy paces worker respawns after crashes.
	RespawnPolicy backoff.Policy
	// Command builds the worker command; nil uses the environment's runner.
	Command   func(root string, model catalog.Model) *exec.Cmd
	Publisher events.Publisher
	Logger    zerolog.Logger
}

// Invoker owns all model pools and the call table. One per daemon.
type Invoker struct {
	cfg Config
	pub events.Publisher
	log zerolog.Logger

	mu      sync.Mutex
	calls   map[string]*call
	pools   map[string]*pool
	stopped bool

	janitorStop chan struct{}
	janitorDone chan struct{}
}

func New(cfg Config) *Invoker {
	if cfg.MaxWorkersPerEnv <= 0 {
		cfg.MaxWorkersPerEnv = defaultMaxPerEnv
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = defaultQueueDepth
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultCallTimeout
	}
	if cfg.CallRetention <= 0 {
		cfg.CallRetention = defaultRetention
	}
	pub := cfg.Publisher
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	inv := &Invoker{
		cfg:         cfg,
		pub:         pub,
		log:         cfg.Logger,
		calls:       make(map[string]*call),
		pools:       make(map[string]*pool),
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	go inv.janitor()
	return inv
}

// Submit registers a call and enqueues it on its model's pool. It returns
// the call id immediately; progress is observed via Status. Backpressure and
// unknown models fail synchronously.
func (inv *Invoker) Submit(ctx context.Context, req types.InvokeRequest) (string, error) {
	model, ok := inv.cfg.Catalog.Get(req.Model)
	if !ok {
		return "", ErrModelNotFound(req.Model)
	}
	timeout := inv.cfg.DefaultTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	inv.mu.Lock()
	if inv.stopped {
		inv.mu.Unlock()
		return "", errStopped
	}
	p, ok := inv.pools[model.ID]
	inv.mu.Unlock()
	if !ok {
		spec, key := inv.cfg.Env.Resolve(ctx, model.Spec)
		inv.mu.Lock()
		if inv.stopped {
			inv.mu.Unlock()
			return "", errStopped
		}
		p, ok = inv.pools[model.ID]
		if !ok {
			p = newPool(inv, model, spec, key)
			inv.pools[model.ID] = p
		}
		inv.mu.Unlock()
	}

	c := newCall(uuid.NewString(), model.ID, req.Payload, timeout)
	inv.mu.Lock()
	inv.calls[c.id] = c
	inv.mu.Unlock()

	if err := p.submit(c); err != nil {
		c.cancel()
		inv.mu.Lock()
		delete(inv.calls, c.id)
		inv.mu.Unlock()
		return "", err
	}
	inv.log.Debug().Str("call", c.id).Str("model", model.ID).Msg("call queued")
	return c.id, nil
}

// Status returns the current snapshot of a call.
func (inv *Invoker) Status(id string) (types.CallStatus, error) {
	inv.mu.Lock()
	c, ok := inv.calls[id]
	inv.mu.Unlock()
	if !ok {
		return types.CallStatus{}, callNotFoundError{id: id}
	}
	return c.snapshot(), nil
}

// Cancel requests cancellation. Queued calls are dropped before running;
// running calls get a best-effort cancel frame. Returns false when the call
// already finished.
func (inv *Invoker) Cancel(id string) (bool, error) {
	inv.mu.Lock()
	c, ok := inv.calls[id]
	inv.mu.Unlock()
	if !ok {
		return false, callNotFoundError{id: id}
	}
	accepted := c.requestCancel()
	if accepted {
		inv.pub.Publish(events.Event{Name: "call.cancel", Subject: id})
	}
	return accepted, nil
}

// Workers reports every live worker across pools.
func (inv *Invoker) Workers() []types.WorkerStatus {
	inv.mu.Lock()
	ps := make([]*pool, 0, len(inv.pools))
	for _, p := range inv.pools {
		ps = append(ps, p)
	}
	inv.mu.Unlock()

	var out []types.WorkerStatus
	for _, p := range ps {
		out = append(out, p.workerStatuses()...)
	}
	return out
}

// QueueDepth is the number of queued calls across pools.
func (inv *Invoker) QueueDepth() int {
	inv.mu.Lock()
	ps := make([]*pool, 0, len(inv.pools))
	for _, p := range inv.pools {
		ps = append(ps, p)
	}
	inv.mu.Unlock()

	n := 0
	for _, p := range ps {
		n += p.queueDepth()
	}
	return n
}

// Close stops the janitor, all pools and their workers. Queued calls fail;
// later submissions are rejected.
func (inv *Invoker) Close() {
	inv.mu.Lock()
	if inv.stopped {
		inv.mu.Unlock()
		return
	}
	inv.stopped = true
	ps := make([]*pool, 0, len(inv.pools))
	for _, p := range inv.pools {
		ps = append(ps, p)
	}
	inv.mu.Unlock()

	close(inv.janitorStop)
	<-inv.janitorDone
	for _, p := range ps {
		p.shutdown()
	}
	inv.log.Info().Msg("invoker stopped")
}

// janitor evicts idle workers and prunes old terminal calls.
func (inv *Invoker) janitor() {
	defer close(inv.janitorDone)
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-inv.janitorStop:
			return
		case <-ticker.C:
			if inv.cfg.IdleEvict > 0 {
				cutoff := time.Now().Add(-inv.cfg.IdleEvict)
				inv.mu.Lock()
				ps := make([]*pool, 0, len(inv.pools))
				for _, p := range inv.pools {
					ps = append(ps, p)
				}
				inv.mu.Unlock()
				for _, p := range ps {
					p.evictIdle(cutoff)
				}
			}
			inv.pruneCalls()
		}
	}
}

func (inv *Invoker) pruneCalls() {
	cutoff := time.Now().Add(-inv.cfg.CallRetention)
	inv.mu.Lock()
	defer inv.mu.Unlock()
	for id, c := range inv.calls {
		st := c.snapshot()
		if st.State.Terminal() && st.FinishedAt > 0 && time.Unix(st.FinishedAt, 0).Before(cutoff) {
			delete(inv.calls, id)
		}
	}
}

func (inv *Invoker) command(root string, model catalog.Model) *exec.Cmd {
	if inv.cfg.Command != nil {
		return inv.cfg.Command(root, model)
	}
	bin := model.Runner[0]
	if !filepath.IsAbs(bin) {
		bin = filepath.Join(root, bin)
	}
	cmd := exec.Command(bin, model.Runner[1:]...)
	cmd.Dir = root
	cmd.Env = append(os.Environ(), "VISIOND_ENV_ROOT="+root)
	return cmd
}
