package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"visiond/internal/events"
)

// Worker health states as reported by status endpoints.
const (
	StateStarting = "starting"
	StateReady    = "ready"
	StateBusy     = "busy"
	StateCrashed  = "crashed"
	StateStopped  = "stopped"
)

const (
	helloTimeout = 30 * time.Second
	stopGrace    = 2 * time.Second
	stderrTail   = 4096
)

// proc is one supervised worker process. The read loop owns stdout; stdin
// writes are serialized by wmu; everything else is guarded by mu.
type proc struct {
	id     int
	envKey string
	model  string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	wmu    sync.Mutex
	stderr lockedBuffer

	mu          sync.Mutex
	state       string
	pending     map[string]chan Frame
	inflight    int
	lastUsed    time.Time
	concurrency int
	stopping    bool

	onExit func(*proc)
	pub    events.Publisher
	log    zerolog.Logger
}

// spawn starts the worker command and waits for its hello frame. The command
// is fully formed by the caller (binary resolved inside the environment
// root, working directory set). A process that exits or stays silent past
// the hello deadline is reaped and reported as an error.
func spawn(id int, envKey, model string, cmd *exec.Cmd, pub events.Publisher, log zerolog.Logger, onExit func(*proc)) (*proc, error) {
	p := &proc{
		id:       id,
		envKey:   envKey,
		model:    model,
		cmd:      cmd,
		state:    StateStarting,
		pending:  make(map[string]chan Frame),
		lastUsed: time.Now(),
		onExit:   onExit,
		pub:      pub,
		log:      log,
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = &p.stderr
	p.stdin = stdin

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	p.log.Info().Int("worker", id).Int("pid", cmd.Process.Pid).Str("model", model).Msg("worker started")
	p.pub.Publish(events.Event{Name: "worker.start", Subject: envKey, Fields: map[string]any{"pid": cmd.Process.Pid, "model": model}})

	// reap the process exactly once; the read loop observes exit via EOF
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	helloCh := make(chan Frame, 1)
	go p.readLoop(stdout, helloCh)

	timer := time.NewTimer(helloTimeout)
	defer timer.Stop()
	select {
	case hello := <-helloCh:
		n := hello.Concurrency
		if n <= 0 {
			n = 1
		}
		p.mu.Lock()
		p.concurrency = n
		p.state = StateReady
		p.mu.Unlock()
		p.pub.Publish(events.Event{Name: "worker.ready", Subject: envKey, Fields: map[string]any{"pid": cmd.Process.Pid, "concurrency": n}})
		return p, nil
	case werr := <-waitCh:
		tail := p.stderrTail()
		p.pub.Publish(events.Event{Name: "worker.exit", Subject: envKey, Fields: map[string]any{"pid": cmd.Process.Pid, "before_ready": true}})
		if werr != nil {
			return nil, fmt.Errorf("worker exited early: %v; stderr tail: %s", werr, tail)
		}
		return nil, fmt.Errorf("worker exited before hello; stderr tail: %s", tail)
	case <-timer.C:
		p.kill()
		p.pub.Publish(events.Event{Name: "worker.timeout", Subject: envKey, Fields: map[string]any{"pid": cmd.Process.Pid}})
		return nil, fmt.Errorf("worker not ready in time (model %s)", model)
	}
}

// readLoop routes response frames to waiting calls until the stream breaks.
// A broken stream while calls are pending means the process died under them.
func (p *proc) readLoop(stdout io.Reader, helloCh chan<- Frame) {
	sawHello := false
	for {
		f, err := ReadFrame(stdout)
		if err != nil {
			p.connectionLost(err)
			return
		}
		switch f.Type {
		case frameHello:
			if !sawHello {
				sawHello = true
				helloCh <- f
			}
		case frameResponse:
			p.mu.Lock()
			ch := p.pending[f.ID]
			delete(p.pending, f.ID)
			p.mu.Unlock()
			if ch != nil {
				ch <- f
			}
		default:
			p.log.Warn().Str("type", string(f.Type)).Msg("unexpected frame from worker")
		}
	}
}

// connectionLost fails every pending call and marks the worker crashed,
// unless the loss was caused by a deliberate stop.
func (p *proc) connectionLost(cause error) {
	p.mu.Lock()
	stopping := p.stopping
	if stopping {
		p.state = StateStopped
	} else {
		p.state = StateCrashed
	}
	orphans := p.pending
	p.pending = make(map[string]chan Frame)
	p.mu.Unlock()

	detail := p.stderrTail()
	for id, ch := range orphans {
		ch <- Frame{Type: frameResponse, ID: id, Error: workerCrashedError{detail: detail}.Error()}
	}
	if !stopping {
		p.log.Error().Err(cause).Int("worker", p.id).Str("env", p.envKey).Msg("worker connection lost")
		p.pub.Publish(events.Event{Name: "worker.crash", Subject: p.envKey, Fields: map[string]any{"worker": p.id, "error": cause.Error()}})
	}
	if p.onExit != nil {
		p.onExit(p)
	}
}

// exec runs one call on this worker and blocks for its response. On ctx
// expiry a cancel frame is sent best-effort and the context error returned;
// the worker may still finish the request, its late response is dropped.
func (p *proc) exec(ctx context.Context, id string, payload json.RawMessage) (json.RawMessage, error) {
	ch := make(chan Frame, 1)
	p.mu.Lock()
	if p.state == StateCrashed || p.state == StateStopped {
		st := p.state
		p.mu.Unlock()
		return nil, workerCrashedError{detail: "worker is " + st}
	}
	p.pending[id] = ch
	p.inflight++
	p.state = StateBusy
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.inflight--
		p.lastUsed = time.Now()
		if p.inflight == 0 && p.state == StateBusy {
			p.state = StateReady
		}
		p.mu.Unlock()
	}()

	if err := p.send(Frame{Type: frameRequest, ID: id, Payload: payload}); err != nil {
		return nil, workerCrashedError{detail: err.Error()}
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			if strings.HasPrefix(resp.Error, "worker crashed") {
				return nil, workerCrashedError{detail: resp.Error}
			}
			return nil, errors.New(resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		_ = p.send(Frame{Type: frameCancel, ID: id})
		return nil, ctx.Err()
	}
}

func (p *proc) send(f Frame) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return WriteFrame(p.stdin, f)
}

// stop terminates the process: SIGTERM, short grace, then SIGKILL. Safe to
// call more than once.
func (p *proc) stop() {
	p.mu.Lock()
	if p.stopping || p.state == StateCrashed || p.state == StateStopped {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	p.mu.Unlock()

	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}
	done := make(chan struct{})
	go func() {
		_, _ = p.cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGrace):
		p.kill()
	}
	p.mu.Lock()
	p.state = StateStopped
	p.mu.Unlock()
	p.pub.Publish(events.Event{Name: "worker.stop", Subject: p.envKey, Fields: map[string]any{"worker": p.id}})
}

func (p *proc) kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

func (p *proc) stderrTail() string {
	s := p.stderr.String()
	if len(s) > stderrTail {
		s = s[len(s)-stderrTail:]
	}
	return s
}

// lockedBuffer guards the stderr capture against the copier goroutine that
// exec runs while the process is alive.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (p *proc) wasStopping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

func (p *proc) alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateReady || p.state == StateBusy || p.state == StateStarting
}

func (p *proc) idleSince() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUsed, p.inflight == 0
}

func (p *proc) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
