package worker

import (
	"context"
	"sync"
	"time"

	"visiond/internal/catalog"
	"visiond/pkg/types"
)

// availCap bounds the worker-slot token channel.
const availCap = 1024

// pool serves calls for one model. A single dispatcher goroutine pulls from
// the queue, lazily provisions the model's environment, and hands each call
// to a worker slot, growing the worker set up to the configured cap. Models
// sharing a spec key share the environment root on disk but run their own
// worker processes.
type pool struct {
	inv   *Invoker
	model catalog.Model
	spec  types.EnvironmentSpec
	key   string

	queue chan *call
	avail chan *proc

	mu      sync.Mutex
	workers map[int]*proc
	nextID  int
	crashes int
	root    string
	ready   bool

	stopCtx context.Context
	stopFn  context.CancelFunc
	done    chan struct{}
}

func newPool(inv *Invoker, model catalog.Model, spec types.EnvironmentSpec, key string) *pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &pool{
		inv:     inv,
		model:   model,
		spec:    spec,
		key:     key,
		queue:   make(chan *call, inv.cfg.MaxQueueDepth),
		avail:   make(chan *proc, availCap),
		workers: make(map[int]*proc),
		stopCtx: ctx,
		stopFn:  cancel,
		done:    make(chan struct{}),
	}
	go p.dispatch()
	return p
}

// submit enqueues without blocking; a full queue is backpressure.
func (p *pool) submit(c *call) error {
	select {
	case p.queue <- c:
		return nil
	default:
		return tooBusyError{modelID: p.model.ID}
	}
}

func (p *pool) dispatch() {
	defer close(p.done)
	for {
		select {
		case <-p.stopCtx.Done():
			p.drain()
			return
		case c := <-p.queue:
			if err := c.ctx.Err(); err != nil {
				state, msg := c.classify(err)
				c.finish(state, nil, msg)
				continue
			}
			if err := p.ensureEnv(c.ctx); err != nil {
				if cerr := c.ctx.Err(); cerr != nil {
					state, msg := c.classify(cerr)
					c.finish(state, nil, msg)
					continue
				}
				envErr := &environmentUnavailableError{key: p.key, err: err}
				c.finish(types.CallFailed, nil, envErr.Error())
				continue
			}
			w := p.acquire(c)
			if w == nil {
				if cerr := c.ctx.Err(); cerr != nil {
					state, msg := c.classify(cerr)
					c.finish(state, nil, msg)
				} else {
					c.finish(types.CallFailed, nil, errStopped.Error())
				}
				continue
			}
			go p.runCall(w, c)
		}
	}
}

// ensureEnv provisions the pool's environment on first use; later calls hit
// the cached root. Only the wait is bounded by the call's deadline -- the
// attempt itself is detached, so a slow install fails this call without
// killing the provisioning for the ones queued behind it.
func (p *pool) ensureEnv(ctx context.Context) error {
	p.mu.Lock()
	if p.ready {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	rec, err := p.inv.cfg.Env.EnsureReady(ctx, p.spec, p.model.Artifacts)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.ready = true
	p.root = rec.Root
	p.mu.Unlock()
	return nil
}

// acquire returns a worker with a free slot, spawning one when under the
// cap. Blocks until a slot frees, the call's deadline fires, or the pool
// stops; nil means no worker.
func (p *pool) acquire(c *call) *proc {
	for {
		select {
		case w := <-p.avail:
			if w.alive() {
				return w
			}
			continue // stale token from a dead worker
		default:
		}

		if w := p.grow(); w != nil {
			return w
		}

		select {
		case w := <-p.avail:
			if w.alive() {
				return w
			}
		case <-c.ctx.Done():
			return nil
		case <-p.stopCtx.Done():
			return nil
		}
	}
}

// grow spawns one more worker when under the cap and claims one of its
// slots, publishing the rest. Consecutive spawn failures and crashes back
// off before the next attempt.
func (p *pool) grow() *proc {
	p.mu.Lock()
	if len(p.workers) >= p.inv.cfg.MaxWorkersPerEnv {
		p.mu.Unlock()
		return nil
	}
	id := p.nextID
	p.nextID++
	crashes := p.crashes
	root := p.root
	p.mu.Unlock()

	if crashes > 0 {
		if err := p.inv.cfg.RespawnPolicy.Sleep(p.stopCtx, crashes); err != nil {
			return nil
		}
	}

	cmd := p.inv.command(root, p.model)
	w, err := spawn(id, p.key, p.model.ID, cmd, p.inv.pub, p.inv.log, p.workerExited)
	if err != nil {
		p.mu.Lock()
		p.crashes++
		p.mu.Unlock()
		p.inv.log.Error().Err(err).Str("env", p.key).Str("model", p.model.ID).Msg("worker spawn failed")
		return nil
	}

	p.mu.Lock()
	p.workers[id] = w
	p.crashes = 0
	p.mu.Unlock()

	w.mu.Lock()
	n := w.concurrency
	w.mu.Unlock()
	for i := 1; i < n; i++ {
		select {
		case p.avail <- w:
		default:
		}
	}
	return w
}

// runCall executes one call on a worker and releases the slot.
func (p *pool) runCall(w *proc, c *call) {
	c.setRunning()
	result, err := w.exec(c.ctx, c.id, c.payload)
	switch {
	case err == nil:
		c.finish(types.CallSucceeded, result, "")
	case c.ctx.Err() != nil:
		state, msg := c.classify(c.ctx.Err())
		c.finish(state, nil, msg)
	default:
		c.finish(types.CallFailed, nil, err.Error())
	}

	if w.alive() {
		select {
		case p.avail <- w:
		default:
		}
	}
}

// workerExited runs when a worker's stream breaks. Crashed workers leave
// the set; the next acquire respawns under backoff.
func (p *pool) workerExited(w *proc) {
	p.mu.Lock()
	delete(p.workers, w.id)
	if !w.wasStopping() {
		p.crashes++
	}
	p.mu.Unlock()
}

// shutdown stops the dispatcher, fails anything still queued and terminates
// all workers.
func (p *pool) shutdown() {
	p.stopFn()
	<-p.done

	p.mu.Lock()
	ws := make([]*proc, 0, len(p.workers))
	for _, w := range p.workers {
		ws = append(ws, w)
	}
	p.mu.Unlock()
	for _, w := range ws {
		w.stop()
	}
}

func (p *pool) drain() {
	for {
		select {
		case c := <-p.queue:
			c.finish(types.CallFailed, nil, errStopped.Error())
		default:
			return
		}
	}
}

func (p *pool) queueDepth() int { return len(p.queue) }

func (p *pool) workerStatuses() []types.WorkerStatus {
	p.mu.Lock()
	ws := make([]*proc, 0, len(p.workers))
	for _, w := range p.workers {
		ws = append(ws, w)
	}
	p.mu.Unlock()

	out := make([]types.WorkerStatus, 0, len(ws))
	for _, w := range ws {
		w.mu.Lock()
		out = append(out, types.WorkerStatus{
			EnvKey:   w.envKey,
			Model:    w.model,
			State:    w.state,
			PID:      w.pid(),
			Inflight: w.inflight,
			LastUsed: w.lastUsed.Unix(),
		})
		w.mu.Unlock()
	}
	return out
}

// evictIdle stops workers whose last activity is older than cutoff.
func (p *pool) evictIdle(cutoff time.Time) {
	p.mu.Lock()
	var victims []*proc
	for id, w := range p.workers {
		if last, idle := w.idleSince(); idle && last.Before(cutoff) {
			victims = append(victims, w)
			delete(p.workers, id)
		}
	}
	p.mu.Unlock()
	for _, w := range victims {
		p.inv.log.Info().Str("env", p.key).Int("worker", w.id).Msg("evicting idle worker")
		w.stop()
	}
}
