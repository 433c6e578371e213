// Package provision drives environments through their lifecycle:
// not_created -> provisioning -> ready | failed. Concurrent requests for the
// same spec key join a single in-flight attempt; distinct keys provision in
// parallel. Materialization is all-or-nothing: a root either carries a
// complete install with its manifest or does not exist.
package provision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"visiond/internal/catalog"
	"visiond/internal/common/fsutil"
	"visiond/internal/events"
	"visiond/internal/fetch"
	"visiond/internal/registry"
	"visiond/pkg/types"
)

// Fetcher downloads one artifact and returns its local path.
type Fetcher interface {
	Fetch(ctx context.Context, t fetch.Task) (string, error)
}

// Prober supplies the machine capability used to default an empty hardware
// class. The result is advisory; it never vetoes an explicit spec.
type Prober interface {
	Detect(ctx context.Context) types.Capability
}

// Config wires a Provisioner.
type Config struct {
	Store   *registry.Store
	Fetcher Fetcher
	Probe   Prober
	// EnvRoot is the base directory for environment roots.
	EnvRoot string
	// CacheDir holds fetched artifact files, shared across environments.
	CacheDir string
	// FetchAttempts is the per-mirror attempt budget; 0 uses the fetcher
	// default.
	FetchAttempts int
	Publisher     events.Publisher
	Logger        zerolog.Logger
}

// Provisioner creates and validates environment roots.
type Provisioner struct {
	store    *registry.Store
	fetcher  Fetcher
	probe    Prober
	envRoot  string
	cache    string
	attempts int
	pub      events.Publisher
	log      zerolog.Logger

	mu       sync.Mutex
	inflight map[string]*attempt
}

// attempt is one in-flight provisioning run. Waiters block on done and then
// read rec/err.
type attempt struct {
	done chan struct{}
	rec  registry.Record
	err  error
}

func New(cfg Config) *Provisioner {
	pub := cfg.Publisher
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	return &Provisioner{
		store:    cfg.Store,
		fetcher:  cfg.Fetcher,
		probe:    cfg.Probe,
		envRoot:  cfg.EnvRoot,
		cache:    cfg.CacheDir,
		attempts: cfg.FetchAttempts,
		pub:      pub,
		log:      cfg.Logger,
		inflight: make(map[string]*attempt),
	}
}

// Resolve fills the spec's hardware class from the probed capability when
// the caller left it empty, and returns the spec plus its key.
func (p *Provisioner) Resolve(ctx context.Context, spec types.EnvironmentSpec) (types.EnvironmentSpec, string) {
	if spec.HardwareClass == "" && p.probe != nil {
		spec = spec.WithHardwareClass(p.probe.Detect(ctx).HardwareClass())
	}
	return spec, spec.Key()
}

// Root returns the on-disk root for a spec key.
func (p *Provisioner) Root(key string) string {
	return filepath.Join(p.envRoot, key)
}

// EnsureReady returns a Ready record for the spec, provisioning it if
// needed. An already-Ready environment is revalidated cheaply (root and
// manifest present) without re-downloading; a missing root triggers a full
// re-provision. Callers racing on the same key share one attempt and all
// receive its result. ctx cancellation detaches the caller; the attempt
// itself runs to completion so the registry never records a half-done state
// because one waiter gave up.
func (p *Provisioner) EnsureReady(ctx context.Context, spec types.EnvironmentSpec, artifacts []catalog.Artifact) (registry.Record, error) {
	spec, key := p.Resolve(ctx, spec)

	p.mu.Lock()
	if att, ok := p.inflight[key]; ok {
		p.mu.Unlock()
		return p.wait(ctx, att)
	}

	rec, err := p.store.Get(key)
	if err != nil {
		p.mu.Unlock()
		return registry.Record{}, err
	}
	if rec != nil && rec.Status == types.EnvReady {
		if ok := p.verifyRoot(rec.Root, key); ok {
			p.mu.Unlock()
			now := time.Now().UTC()
			if err := p.store.Touch(key, now); err != nil {
				return registry.Record{}, err
			}
			rec.LastVerifiedAt = now
			return *rec, nil
		}
		p.log.Warn().Str("key", key).Str("root", rec.Root).Msg("ready environment root missing, re-provisioning")
	}

	att := &attempt{done: make(chan struct{})}
	p.inflight[key] = att
	p.mu.Unlock()

	go p.run(context.WithoutCancel(ctx), att, spec, key, artifacts)
	return p.wait(ctx, att)
}

// Repair forces a Ready (or Failed) environment through a fresh provisioning
// cycle, rebuilding the root from the artifact cache and re-fetching
// anything missing from it.
func (p *Provisioner) Repair(ctx context.Context, key string, lookup func(types.EnvironmentSpec) []catalog.Artifact) (registry.Record, error) {
	rec, err := p.store.Get(key)
	if err != nil {
		return registry.Record{}, err
	}
	if rec == nil {
		return registry.Record{}, fmt.Errorf("unknown environment %s", key)
	}

	p.mu.Lock()
	if att, ok := p.inflight[key]; ok {
		p.mu.Unlock()
		return p.wait(ctx, att)
	}
	att := &attempt{done: make(chan struct{})}
	p.inflight[key] = att
	p.mu.Unlock()

	go p.run(context.WithoutCancel(ctx), att, rec.Spec, key, lookup(rec.Spec))
	return p.wait(ctx, att)
}

func (p *Provisioner) wait(ctx context.Context, att *attempt) (registry.Record, error) {
	select {
	case <-att.done:
		return att.rec, att.err
	case <-ctx.Done():
		return registry.Record{}, ctx.Err()
	}
}

// run executes one provisioning attempt and publishes its outcome. It owns
// the in-flight slot for the key and always releases it.
func (p *Provisioner) run(ctx context.Context, att *attempt, spec types.EnvironmentSpec, key string, artifacts []catalog.Artifact) {
	defer func() {
		p.mu.Lock()
		delete(p.inflight, key)
		p.mu.Unlock()
		close(att.done)
	}()

	start := time.Now()
	p.pub.Publish(events.Event{Name: "provision.start", Subject: key})
	if err := p.store.Upsert(registry.Record{
		Key:       key,
		Spec:      spec,
		Status:    types.EnvProvisioning,
		CreatedAt: start.UTC(),
	}); err != nil {
		att.err = err
		return
	}

	rec, err := p.provision(ctx, spec, key, artifacts)
	if err != nil {
		p.log.Error().Err(err).Str("key", key).Msg("provisioning failed")
		p.pub.Publish(events.Event{Name: "provision.failed", Subject: key, Fields: map[string]any{"error": err.Error()}})
		if uerr := p.store.Upsert(registry.Record{
			Key:       key,
			Spec:      spec,
			Status:    types.EnvFailed,
			LastError: err.Error(),
			CreatedAt: start.UTC(),
		}); uerr != nil {
			p.log.Error().Err(uerr).Str("key", key).Msg("recording failed status")
		}
		att.err = err
		return
	}

	p.log.Info().Str("key", key).Dur("took", time.Since(start)).Msg("environment ready")
	p.pub.Publish(events.Event{Name: "provision.ready", Subject: key})
	att.rec = rec
}

func (p *Provisioner) provision(ctx context.Context, spec types.EnvironmentSpec, key string, artifacts []catalog.Artifact) (registry.Record, error) {
	files := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		path, err := p.fetchArtifact(ctx, a)
		if err != nil {
			return registry.Record{}, &artifactUnavailableError{artifact: a.Destination, err: err}
		}
		files = append(files, path)
	}

	root := p.Root(key)
	staging := filepath.Join(p.envRoot, ".staging", key)
	if err := materialize(staging, root, spec, files); err != nil {
		return registry.Record{}, err
	}

	now := time.Now().UTC()
	rec := registry.Record{
		Key:            key,
		Spec:           spec,
		Status:         types.EnvReady,
		Root:           root,
		CreatedAt:      now,
		LastVerifiedAt: now,
	}
	if err := p.store.Upsert(rec); err != nil {
		return registry.Record{}, err
	}
	return rec, nil
}

// fetchArtifact downloads one artifact into the cache, reusing a prior
// download when the file is already present.
func (p *Provisioner) fetchArtifact(ctx context.Context, a catalog.Artifact) (string, error) {
	dst := filepath.Join(p.cache, a.Destination)
	if fsutil.PathExists(dst) {
		return dst, nil
	}
	return p.fetcher.Fetch(ctx, fetch.Task{
		Mirrors:     a.Mirrors,
		Destination: dst,
		SHA256:      a.SHA256,
		MaxAttempts: p.attempts,
	})
}

// verifyRoot is the cheap Ready revalidation: the root directory and its
// manifest must exist and agree on the key.
func (p *Provisioner) verifyRoot(root, key string) bool {
	if root == "" || !fsutil.DirExists(root) {
		return false
	}
	man, err := readManifest(root)
	if err != nil || man.SpecKey != key {
		return false
	}
	return true
}

// Evict removes an environment root and its record. Used by operators to
// reclaim disk; a later EnsureReady recreates it from scratch.
func (p *Provisioner) Evict(key string) error {
	rec, err := p.store.Get(key)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if rec.Root != "" {
		if err := os.RemoveAll(rec.Root); err != nil {
			return err
		}
	}
	return p.store.Delete(key)
}
