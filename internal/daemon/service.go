// Package daemon assembles the orchestrator components behind the HTTP API:
// catalog lookups, call submission, environment listing and repair, and the
// status/metrics summaries.
package daemon

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"visiond/internal/catalog"
	"visiond/internal/registry"
	"visiond/internal/worker"
	"visiond/pkg/types"
)

// Invoker is the call-routing surface the daemon needs.
type Invoker interface {
	Submit(ctx context.Context, req types.InvokeRequest) (string, error)
	Status(id string) (types.CallStatus, error)
	Cancel(id string) (bool, error)
	Workers() []types.WorkerStatus
	QueueDepth() int
}

// Provisioner is the environment surface the daemon needs.
type Provisioner interface {
	Resolve(ctx context.Context, spec types.EnvironmentSpec) (types.EnvironmentSpec, string)
	EnsureReady(ctx context.Context, spec types.EnvironmentSpec, artifacts []catalog.Artifact) (registry.Record, error)
	Repair(ctx context.Context, key string, lookup func(types.EnvironmentSpec) []catalog.Artifact) (registry.Record, error)
}

// Prober reports machine capability for status displays.
type Prober interface {
	Detect(ctx context.Context) types.Capability
}

// Service implements httpapi.Service on top of the orchestrator components.
type Service struct {
	cat     *catalog.Catalog
	store   *registry.Store
	prov    Provisioner
	inv     Invoker
	probe   Prober
	started time.Time
	log     zerolog.Logger
}

func New(cat *catalog.Catalog, store *registry.Store, prov Provisioner, inv Invoker, probe Prober, log zerolog.Logger) *Service {
	return &Service{
		cat:     cat,
		store:   store,
		prov:    prov,
		inv:     inv,
		probe:   probe,
		started: time.Now(),
		log:     log,
	}
}

func (s *Service) Invoke(ctx context.Context, req types.InvokeRequest) (string, error) {
	return s.inv.Submit(ctx, req)
}

func (s *Service) CallStatus(id string) (types.CallStatus, error) {
	return s.inv.Status(id)
}

func (s *Service) CancelCall(id string) (bool, error) {
	return s.inv.Cancel(id)
}

func (s *Service) Models() []types.ModelInfo {
	models := s.cat.List()
	out := make([]types.ModelInfo, 0, len(models))
	for _, m := range models {
		out = append(out, types.ModelInfo{ID: m.ID, Name: m.Name, Spec: m.Spec})
	}
	return out
}

// ProvisionModel warms the environment a model needs without running a
// call: resolve the spec, fetch artifacts, materialize the root.
func (s *Service) ProvisionModel(ctx context.Context, modelID string) (types.EnvironmentStatus, error) {
	m, ok := s.cat.Get(modelID)
	if !ok {
		return types.EnvironmentStatus{}, worker.ErrModelNotFound(modelID)
	}
	spec, _ := s.prov.Resolve(ctx, m.Spec)
	rec, err := s.prov.EnsureReady(ctx, spec, m.Artifacts)
	if err != nil {
		return types.EnvironmentStatus{}, err
	}
	return envStatus(rec), nil
}

func (s *Service) Environments() ([]types.EnvironmentStatus, error) {
	recs, err := s.store.List()
	if err != nil {
		return nil, err
	}
	out := make([]types.EnvironmentStatus, 0, len(recs))
	for _, rec := range recs {
		out = append(out, envStatus(rec))
	}
	return out, nil
}

// RepairEnvironment re-runs provisioning for a known spec key. The artifact
// set comes from whichever catalog model targets the same environment.
func (s *Service) RepairEnvironment(ctx context.Context, key string) (types.EnvironmentStatus, error) {
	rec, err := s.prov.Repair(ctx, key, s.artifactsFor)
	if err != nil {
		return types.EnvironmentStatus{}, err
	}
	return envStatus(rec), nil
}

// artifactsFor collects the artifact manifests of every catalog model whose
// spec hashes to the same key, deduplicated by destination.
func (s *Service) artifactsFor(spec types.EnvironmentSpec) []catalog.Artifact {
	key := spec.Key()
	seen := make(map[string]bool)
	var out []catalog.Artifact
	for _, m := range s.cat.List() {
		if m.Spec.Key() != key {
			continue
		}
		for _, a := range m.Artifacts {
			if seen[a.Destination] {
				continue
			}
			seen[a.Destination] = true
			out = append(out, a)
		}
	}
	return out
}

func (s *Service) Status() types.StatusResponse {
	envs, err := s.Environments()
	if err != nil {
		s.log.Error().Err(err).Msg("listing environments for status")
	}
	var capab types.Capability
	if s.probe != nil {
		capab = s.probe.Detect(context.Background())
	}
	now := time.Now()
	return types.StatusResponse{
		Capability:     capab,
		Environments:   envs,
		Workers:        s.inv.Workers(),
		UptimeSeconds:  int64(now.Sub(s.started).Seconds()),
		ServerTimeUnix: now.Unix(),
	}
}

func (s *Service) Metrics() types.MetricsResponse {
	envs, err := s.Environments()
	if err != nil {
		s.log.Error().Err(err).Msg("listing environments for metrics")
	}
	return types.MetricsResponse{
		WorkerCount:  len(s.inv.Workers()),
		QueueDepth:   s.inv.QueueDepth(),
		Environments: envs,
	}
}

// Ready reports whether the daemon can serve work: the registry must answer.
func (s *Service) Ready() bool {
	if _, err := s.store.List(); err != nil {
		return false
	}
	return true
}

func envStatus(rec registry.Record) types.EnvironmentStatus {
	st := types.EnvironmentStatus{
		Key:       rec.Key,
		Spec:      rec.Spec,
		Status:    rec.Status,
		Root:      rec.Root,
		LastError: rec.LastError,
		CreatedAt: rec.CreatedAt.Unix(),
	}
	if !rec.LastVerifiedAt.IsZero() && rec.LastVerifiedAt.Unix() > 0 {
		st.LastVerifiedAt = rec.LastVerifiedAt.Unix()
	}
	return st
}
