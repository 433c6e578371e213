package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"visiond/internal/catalog"
	"visiond/internal/common/backoff"
	"visiond/internal/registry"
	"visiond/pkg/types"
)

// TestHelperWorker is not a real test: it is re-executed as the worker
// subprocess and speaks the frame protocol on stdin/stdout. Behavior is
// selected via environment variables.
func TestHelperWorker(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_WORKER") != "1" {
		return
	}
	helperMain()
	os.Exit(0)
}

func helperMain() {
	behavior := os.Getenv("HELPER_BEHAVIOR")
	if behavior == "no-hello" {
		os.Exit(2)
	}
	crashNext := false
	if behavior == "crash-once" {
		marker := os.Getenv("HELPER_MARKER")
		if _, err := os.Stat(marker); os.IsNotExist(err) {
			_ = os.WriteFile(marker, []byte("x"), 0o644)
			crashNext = true
		}
	}
	conc, _ := strconv.Atoi(os.Getenv("HELPER_CONCURRENCY"))
	if conc <= 0 {
		conc = 1
	}
	sleepMs, _ := strconv.Atoi(os.Getenv("HELPER_SLEEP_MS"))

	var wmu sync.Mutex
	write := func(f Frame) {
		wmu.Lock()
		defer wmu.Unlock()
		_ = WriteFrame(os.Stdout, f)
	}
	write(Frame{Type: frameHello, Concurrency: conc})

	for {
		f, err := ReadFrame(os.Stdin)
		if err != nil {
			return
		}
		if f.Type != frameRequest {
			continue
		}
		if crashNext {
			os.Exit(3)
		}
		go func(f Frame) {
			if sleepMs > 0 {
				time.Sleep(time.Duration(sleepMs) * time.Millisecond)
			}
			switch behavior {
			case "fail":
				write(Frame{Type: frameResponse, ID: f.ID, Error: "inference failed"})
			case "slow":
				time.Sleep(30 * time.Second)
				write(Frame{Type: frameResponse, ID: f.ID, Result: f.Payload})
			default:
				write(Frame{Type: frameResponse, ID: f.ID, Result: f.Payload})
			}
		}(f)
	}
}

func helperCommand(extraEnv ...string) func(root string, model catalog.Model) *exec.Cmd {
	return func(root string, model catalog.Model) *exec.Cmd {
		cmd := exec.Command(os.Args[0], "-test.run=TestHelperWorker")
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_WORKER=1")
		cmd.Env = append(cmd.Env, extraEnv...)
		return cmd
	}
}

type stubEnv struct {
	root string
	fail error
}

func (s *stubEnv) Resolve(_ context.Context, spec types.EnvironmentSpec) (types.EnvironmentSpec, string) {
	if spec.HardwareClass == "" {
		spec = spec.WithHardwareClass("cpu")
	}
	return spec, spec.Key()
}

func (s *stubEnv) EnsureReady(_ context.Context, spec types.EnvironmentSpec, _ []catalog.Artifact) (registry.Record, error) {
	if s.fail != nil {
		return registry.Record{}, s.fail
	}
	return registry.Record{Key: spec.Key(), Spec: spec, Status: types.EnvReady, Root: s.root}, nil
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	data := `models:
  det:
    name: Test Detector
    runner: ["bin/runner"]
    spec:
      backend: onnx
      runtime_version: "3.10"
      hardware_class: cpu
    artifacts:
      - mirrors: ["https://mirror.example/det.tar.gz"]
        destination: det.tar.gz
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cat, err := catalog.Load(path)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	return cat
}

func fastRespawn() backoff.Policy {
	return backoff.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2}
}

func newTestInvoker(t *testing.T, cfg Config) *Invoker {
	t.Helper()
	if cfg.Catalog == nil {
		cfg.Catalog = testCatalog(t)
	}
	if cfg.Env == nil {
		cfg.Env = &stubEnv{root: t.TempDir()}
	}
	if cfg.RespawnPolicy == (backoff.Policy{}) {
		cfg.RespawnPolicy = fastRespawn()
	}
	cfg.Logger = zerolog.Nop()
	inv := New(cfg)
	t.Cleanup(inv.Close)
	return inv
}

func waitTerminal(t *testing.T, inv *Invoker, id string, within time.Duration) types.CallStatus {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		st, err := inv.Status(id)
		if err != nil {
			t.Fatalf("Status(%s): %v", id, err)
		}
		if st.State.Terminal() {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	st, _ := inv.Status(id)
	t.Fatalf("call %s not terminal within %v (state %s)", id, within, st.State)
	return types.CallStatus{}
}

func TestInvokeEchoSucceeds(t *testing.T) {
	inv := newTestInvoker(t, Config{Command: helperCommand()})
	payload := json.RawMessage(`{"image":"cat.jpg"}`)
	id, err := inv.Submit(context.Background(), types.InvokeRequest{Model: "det", Payload: payload})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	st := waitTerminal(t, inv, id, 10*time.Second)
	if st.State != types.CallSucceeded {
		t.Fatalf("state = %s (%s), want succeeded", st.State, st.Error)
	}
	if string(st.Output) != string(payload) {
		t.Fatalf("output = %s, want %s", st.Output, payload)
	}
	if st.SubmittedAt == 0 || st.FinishedAt == 0 {
		t.Fatalf("timestamps not set: %+v", st)
	}
}

func TestInvokeUnknownModel(t *testing.T) {
	inv := newTestInvoker(t, Config{Command: helperCommand()})
	_, err := inv.Submit(context.Background(), types.InvokeRequest{Model: "nope"})
	if !IsModelNotFound(err) {
		t.Fatalf("err = %v, want model not found", err)
	}
}

func TestInvokeWorkerReportsError(t *testing.T) {
	inv := newTestInvoker(t, Config{Command: helperCommand("HELPER_BEHAVIOR=fail")})
	id, err := inv.Submit(context.Background(), types.InvokeRequest{Model: "det", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	st := waitTerminal(t, inv, id, 10*time.Second)
	if st.State != types.CallFailed {
		t.Fatalf("state = %s, want failed", st.State)
	}
	if st.Error != "inference failed" {
		t.Fatalf("error = %q", st.Error)
	}
}

func TestInvokeTimesOut(t *testing.T) {
	inv := newTestInvoker(t, Config{Command: helperCommand("HELPER_BEHAVIOR=slow")})
	id, err := inv.Submit(context.Background(), types.InvokeRequest{
		Model:     "det",
		Payload:   json.RawMessage(`{}`),
		TimeoutMs: 300,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	st := waitTerminal(t, inv, id, 10*time.Second)
	if st.State != types.CallTimedOut {
		t.Fatalf("state = %s (%s), want timed_out", st.State, st.Error)
	}
}

func TestCancelRunningCall(t *testing.T) {
	inv := newTestInvoker(t, Config{Command: helperCommand("HELPER_BEHAVIOR=slow")})
	id, err := inv.Submit(context.Background(), types.InvokeRequest{Model: "det", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// let it reach the worker, then cancel
	time.Sleep(300 * time.Millisecond)
	accepted, err := inv.Cancel(id)
	if err != nil || !accepted {
		t.Fatalf("Cancel = %v, %v", accepted, err)
	}
	st := waitTerminal(t, inv, id, 10*time.Second)
	if st.State != types.CallCancelled {
		t.Fatalf("state = %s, want cancelled", st.State)
	}

	// a second cancel finds the call already terminal
	accepted, err = inv.Cancel(id)
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if accepted {
		t.Fatal("second Cancel accepted a terminal call")
	}
}

func TestCancelUnknownCall(t *testing.T) {
	inv := newTestInvoker(t, Config{Command: helperCommand()})
	if _, err := inv.Cancel("missing"); !IsCallNotFound(err) {
		t.Fatalf("err = %v, want call not found", err)
	}
	if _, err := inv.Status("missing"); !IsCallNotFound(err) {
		t.Fatalf("err = %v, want call not found", err)
	}
}

func TestSubmitBackpressure(t *testing.T) {
	inv := newTestInvoker(t, Config{
		Command:          helperCommand("HELPER_BEHAVIOR=slow"),
		MaxWorkersPerEnv: 1,
		MaxQueueDepth:    1,
	})
	ctx := context.Background()
	// saturate: one running, one parked in the dispatcher, one queued
	for i := 0; i < 3; i++ {
		if _, err := inv.Submit(ctx, types.InvokeRequest{Model: "det", Payload: json.RawMessage(`{}`)}); err != nil {
			t.Fatalf("Submit #%d: %v", i, err)
		}
		// give the dispatcher time to pull the call before the next submit
		time.Sleep(500 * time.Millisecond)
	}
	_, err := inv.Submit(ctx, types.InvokeRequest{Model: "det", Payload: json.RawMessage(`{}`)})
	if !IsTooBusy(err) {
		t.Fatalf("err = %v, want too busy", err)
	}
}

func TestWorkerCrashFailsCallAndRespawns(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "crashed-once")
	inv := newTestInvoker(t, Config{
		Command: helperCommand("HELPER_BEHAVIOR=crash-once", "HELPER_MARKER="+marker),
	})
	ctx := context.Background()

	id1, err := inv.Submit(ctx, types.InvokeRequest{Model: "det", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	st1 := waitTerminal(t, inv, id1, 10*time.Second)
	if st1.State != types.CallFailed {
		t.Fatalf("state = %s, want failed after crash", st1.State)
	}

	// the replacement worker (marker present) serves normally
	id2, err := inv.Submit(ctx, types.InvokeRequest{Model: "det", Payload: json.RawMessage(`{"n":2}`)})
	if err != nil {
		t.Fatalf("Submit after crash: %v", err)
	}
	st2 := waitTerminal(t, inv, id2, 10*time.Second)
	if st2.State != types.CallSucceeded {
		t.Fatalf("state = %s (%s), want succeeded after respawn", st2.State, st2.Error)
	}
}

func TestEnvironmentFailureFailsCall(t *testing.T) {
	inv := newTestInvoker(t, Config{
		Command: helperCommand(),
		Env:     &stubEnv{fail: fmt.Errorf("mirror down")},
	})
	id, err := inv.Submit(context.Background(), types.InvokeRequest{Model: "det", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	st := waitTerminal(t, inv, id, 10*time.Second)
	if st.State != types.CallFailed {
		t.Fatalf("state = %s, want failed", st.State)
	}
	if st.Error == "" {
		t.Fatal("missing error detail")
	}
}

func TestPoolScalesToConfiguredWorkers(t *testing.T) {
	inv := newTestInvoker(t, Config{
		Command:          helperCommand("HELPER_SLEEP_MS=500"),
		MaxWorkersPerEnv: 2,
	})
	ctx := context.Background()
	var ids []string
	for i := 0; i < 2; i++ {
		id, err := inv.Submit(ctx, types.InvokeRequest{Model: "det", Payload: json.RawMessage(`{}`)})
		if err != nil {
			t.Fatalf("Submit #%d: %v", i, err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		if st := waitTerminal(t, inv, id, 15*time.Second); st.State != types.CallSucceeded {
			t.Fatalf("call %s state = %s (%s)", id, st.State, st.Error)
		}
	}
	ws := inv.Workers()
	if len(ws) != 2 {
		t.Fatalf("workers = %d, want 2", len(ws))
	}
	for _, w := range ws {
		if w.Model != "det" || w.EnvKey == "" {
			t.Fatalf("bad worker status: %+v", w)
		}
	}
}

func TestCloseRejectsNewWork(t *testing.T) {
	inv := newTestInvoker(t, Config{Command: helperCommand()})
	inv.Close()
	if _, err := inv.Submit(context.Background(), types.InvokeRequest{Model: "det"}); err == nil {
		t.Fatal("expected error after Close")
	}
}
