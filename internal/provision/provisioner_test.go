package provision

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"visiond/internal/catalog"
	"visiond/internal/events"
	"visiond/internal/fetch"
	"visiond/internal/registry"
	"visiond/pkg/types"
)

type stubFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	fail  bool
	// when non-nil, Fetch blocks until the channel is closed
	gate chan struct{}
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{calls: make(map[string]int)}
}

func (s *stubFetcher) Fetch(ctx context.Context, t fetch.Task) (string, error) {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	s.calls[filepath.Base(t.Destination)]++
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return "", errors.New("mirror down")
	}
	if err := os.MkdirAll(filepath.Dir(t.Destination), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(t.Destination, []byte("payload"), 0o644); err != nil {
		return "", err
	}
	return t.Destination, nil
}

func (s *stubFetcher) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func (s *stubFetcher) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

type fixedProbe struct{ gpu types.GPUVendor }

func (f fixedProbe) Detect(context.Context) types.Capability {
	return types.Capability{GPU: f.gpu, Cores: 8, MemoryMB: 16384}
}

func testSpec() types.EnvironmentSpec {
	return types.EnvironmentSpec{
		Backend:        "torch",
		RuntimeVersion: "3.9",
		HardwareClass:  "cpu",
		Dependencies: []types.Dependency{
			{Name: "torch", VersionConstraint: "==2.0.0"},
		},
	}
}

func testArtifacts() []catalog.Artifact {
	return []catalog.Artifact{
		{Mirrors: []string{"https://a.example/runtime.bin"}, Destination: "runtime.bin"},
		{Mirrors: []string{"https://a.example/weights.bin"}, Destination: "weights.bin"},
	}
}

func newTestProvisioner(t *testing.T, f Fetcher) (*Provisioner, *registry.Store, *events.MemoryPublisher) {
	t.Helper()
	dir := t.TempDir()
	store, err := registry.Open(filepath.Join(dir, "registry.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	pub := events.NewMemoryPublisher()
	p := New(Config{
		Store:     store,
		Fetcher:   f,
		Probe:     fixedProbe{gpu: types.GPUNone},
		EnvRoot:   filepath.Join(dir, "envs"),
		CacheDir:  filepath.Join(dir, "cache"),
		Publisher: pub,
		Logger:    zerolog.Nop(),
	})
	return p, store, pub
}

func TestEnsureReadyProvisionsAndReuses(t *testing.T) {
	f := newStubFetcher()
	p, store, pub := newTestProvisioner(t, f)
	ctx := context.Background()

	rec, err := p.EnsureReady(ctx, testSpec(), testArtifacts())
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if rec.Status != types.EnvReady {
		t.Fatalf("status = %s, want ready", rec.Status)
	}
	if _, err := os.Stat(filepath.Join(rec.Root, manifestName)); err != nil {
		t.Fatalf("manifest missing: %v", err)
	}
	if f.total() != 2 {
		t.Fatalf("fetches = %d, want 2", f.total())
	}

	// second call must revalidate without downloading again
	rec2, err := p.EnsureReady(ctx, testSpec(), testArtifacts())
	if err != nil {
		t.Fatalf("second EnsureReady: %v", err)
	}
	if f.total() != 2 {
		t.Fatalf("fetches after reuse = %d, want 2", f.total())
	}
	if !rec2.LastVerifiedAt.After(rec.LastVerifiedAt) && !rec2.LastVerifiedAt.Equal(rec.LastVerifiedAt) {
		t.Fatalf("LastVerifiedAt went backwards: %v -> %v", rec.LastVerifiedAt, rec2.LastVerifiedAt)
	}

	got, err := store.Get(rec.Key)
	if err != nil || got == nil {
		t.Fatalf("Get: %v %v", got, err)
	}
	if got.Status != types.EnvReady {
		t.Fatalf("stored status = %s, want ready", got.Status)
	}

	names := pub.Names()
	if len(names) < 2 || names[0] != "provision.start" || names[1] != "provision.ready" {
		t.Fatalf("events = %v", names)
	}
}

func TestEnsureReadyConcurrentCallersShareOneAttempt(t *testing.T) {
	f := newStubFetcher()
	f.gate = make(chan struct{})
	p, _, _ := newTestProvisioner(t, f)
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = p.EnsureReady(ctx, testSpec(), testArtifacts())
		}(i)
	}
	// let all callers pile up on the in-flight attempt, then release it
	time.Sleep(50 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if f.count("runtime.bin") != 1 {
		t.Fatalf("runtime.bin fetched %d times, want 1", f.count("runtime.bin"))
	}
}

func TestEnsureReadyFailureMarksFailedAndRetries(t *testing.T) {
	f := newStubFetcher()
	f.fail = true
	p, store, _ := newTestProvisioner(t, f)
	ctx := context.Background()
	spec := testSpec()

	_, err := p.EnsureReady(ctx, spec, testArtifacts())
	if !IsArtifactUnavailable(err) {
		t.Fatalf("err = %v, want artifact unavailable", err)
	}
	key := spec.Key()
	rec, err := store.Get(key)
	if err != nil || rec == nil {
		t.Fatalf("Get after failure: %v %v", rec, err)
	}
	if rec.Status != types.EnvFailed || rec.LastError == "" {
		t.Fatalf("record = %+v, want failed with error", rec)
	}
	if _, err := os.Stat(p.Root(key)); !os.IsNotExist(err) {
		t.Fatalf("root exists after failed provision")
	}

	// a failed environment is retryable once the mirrors recover
	f.mu.Lock()
	f.fail = false
	f.mu.Unlock()
	rec2, err := p.EnsureReady(ctx, spec, testArtifacts())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if rec2.Status != types.EnvReady {
		t.Fatalf("retry status = %s, want ready", rec2.Status)
	}
}

func TestEnsureReadyDefaultsHardwareClassFromProbe(t *testing.T) {
	f := newStubFetcher()
	p, store, _ := newTestProvisioner(t, f)
	p.probe = fixedProbe{gpu: types.GPUNvidia}
	ctx := context.Background()

	spec := testSpec()
	spec.HardwareClass = ""
	rec, err := p.EnsureReady(ctx, spec, testArtifacts())
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	want := spec.WithHardwareClass("cuda").Key()
	if rec.Key != want {
		t.Fatalf("key = %s, want %s", rec.Key, want)
	}
	got, err := store.Get(want)
	if err != nil || got == nil {
		t.Fatalf("Get: %v %v", got, err)
	}
	if got.Spec.HardwareClass != "cuda" {
		t.Fatalf("stored hardware class = %q, want cuda", got.Spec.HardwareClass)
	}
}

func TestEnsureReadyReprovisionsMissingRoot(t *testing.T) {
	f := newStubFetcher()
	p, _, _ := newTestProvisioner(t, f)
	ctx := context.Background()

	rec, err := p.EnsureReady(ctx, testSpec(), testArtifacts())
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if err := os.RemoveAll(rec.Root); err != nil {
		t.Fatalf("remove root: %v", err)
	}

	rec2, err := p.EnsureReady(ctx, testSpec(), testArtifacts())
	if err != nil {
		t.Fatalf("EnsureReady after root loss: %v", err)
	}
	if rec2.Status != types.EnvReady {
		t.Fatalf("status = %s, want ready", rec2.Status)
	}
	if _, err := os.Stat(filepath.Join(rec2.Root, manifestName)); err != nil {
		t.Fatalf("root not rebuilt: %v", err)
	}
}

func TestRepairRebuildsReadyRoot(t *testing.T) {
	f := newStubFetcher()
	p, _, _ := newTestProvisioner(t, f)
	ctx := context.Background()
	spec := testSpec()

	rec, err := p.EnsureReady(ctx, spec, testArtifacts())
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	// corrupt the root; repair should rebuild it in place
	if err := os.WriteFile(filepath.Join(rec.Root, manifestName), []byte("{"), 0o644); err != nil {
		t.Fatalf("corrupt manifest: %v", err)
	}

	rec2, err := p.Repair(ctx, rec.Key, func(types.EnvironmentSpec) []catalog.Artifact {
		return testArtifacts()
	})
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	man, err := readManifest(rec2.Root)
	if err != nil {
		t.Fatalf("manifest after repair: %v", err)
	}
	if man.SpecKey != rec.Key {
		t.Fatalf("manifest key = %s, want %s", man.SpecKey, rec.Key)
	}
}

func TestRepairUnknownKey(t *testing.T) {
	f := newStubFetcher()
	p, _, _ := newTestProvisioner(t, f)
	if _, err := p.Repair(context.Background(), "nope", func(types.EnvironmentSpec) []catalog.Artifact { return nil }); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestEvictRemovesRootAndRecord(t *testing.T) {
	f := newStubFetcher()
	p, store, _ := newTestProvisioner(t, f)
	ctx := context.Background()

	rec, err := p.EnsureReady(ctx, testSpec(), testArtifacts())
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if err := p.Evict(rec.Key); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if _, err := os.Stat(rec.Root); !os.IsNotExist(err) {
		t.Fatalf("root still exists after evict")
	}
	got, err := store.Get(rec.Key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("record still exists after evict: %+v", got)
	}
}
