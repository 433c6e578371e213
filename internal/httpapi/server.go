package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"visiond/internal/provision"
	"visiond/internal/worker"
	"visiond/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Invoke(ctx context.Context, req types.InvokeRequest) (string, error)
	CallStatus(id string) (types.CallStatus, error)
	CancelCall(id string) (bool, error)
	Models() []types.ModelInfo
	ProvisionModel(ctx context.Context, modelID string) (types.EnvironmentStatus, error)
	Environments() ([]types.EnvironmentStatus, error)
	RepairEnvironment(ctx context.Context, key string) (types.EnvironmentStatus, error)
	Status() types.StatusResponse
	Metrics() types.MetricsResponse
	Ready() bool
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	r.Use(MetricsMiddleware)

	r.Post("/invoke", handleInvoke(svc))

	r.Get("/status/{callID}", func(w http.ResponseWriter, r *http.Request) {
		st, err := svc.CallStatus(chi.URLParam(r, "callID"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	})

	r.Post("/cancel/{callID}", func(w http.ResponseWriter, r *http.Request) {
		accepted, err := svc.CancelCall(chi.URLParam(r, "callID"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, types.CancelResponse{Accepted: accepted})
	})

	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, types.ModelsResponse{Models: svc.Models()})
	})

	r.Post("/models/{modelID}/provision", func(w http.ResponseWriter, r *http.Request) {
		joinedCtx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		env, err := svc.ProvisionModel(joinedCtx, chi.URLParam(r, "modelID"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, env)
	})

	r.Get("/environments", func(w http.ResponseWriter, r *http.Request) {
		envs, err := svc.Environments()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"environments": envs})
	})

	r.Post("/environments/{key}/repair", func(w http.ResponseWriter, r *http.Request) {
		joinedCtx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		env, err := svc.RepairEnvironment(joinedCtx, chi.URLParam(r, "key"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, env)
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Metrics())
	})

	// Prometheus exposition lives next to the JSON summary
	r.Get("/metrics/prometheus", promhttp.Handler().ServeHTTP)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("starting"))
	})

	MountSwagger(r)

	return r
}

func handleInvoke(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.InvokeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if strings.TrimSpace(req.Model) == "" {
			writeJSONError(w, http.StatusBadRequest, "model is required")
			return
		}

		lvl := requestLogLevel(r)
		start := time.Now()
		joinedCtx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()

		callID, err := svc.Invoke(joinedCtx, req)
		if err != nil {
			if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
				return
			}
			status := statusForError(err)
			if status == http.StatusTooManyRequests {
				IncrementBackpressure("queue_full")
			}
			writeJSONError(w, status, err.Error())
			if lvl >= LevelInfo && zlog != nil {
				z := zlog.Info().Int("status", status).Str("model", req.Model).Dur("dur", time.Since(start))
				if rid := middleware.GetReqID(r.Context()); rid != "" {
					z = z.Str("request_id", rid)
				}
				z.Err(err).Msg("invoke rejected")
			}
			return
		}

		CountCallSubmitted(req.Model)
		if lvl >= LevelInfo && zlog != nil {
			z := zlog.Info().Str("model", req.Model).Str("call", callID).Dur("dur", time.Since(start))
			if rid := middleware.GetReqID(r.Context()); rid != "" {
				z = z.Str("request_id", rid)
			}
			z.Msg("invoke accepted")
		}
		writeJSON(w, http.StatusAccepted, types.InvokeResponse{CallID: callID})
	}
}

// statusForError maps well-known service errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case worker.IsModelNotFound(err), worker.IsCallNotFound(err):
		return http.StatusNotFound
	case worker.IsTooBusy(err):
		return http.StatusTooManyRequests
	case worker.IsEnvironmentUnavailable(err),
		provision.IsArtifactUnavailable(err),
		provision.IsMaterializationFailed(err):
		return http.StatusServiceUnavailable
	}
	if he, ok := err.(HTTPError); ok {
		return he.StatusCode()
	}
	return http.StatusInternalServerError
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeJSONError(w, statusForError(err), err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && zlog != nil {
		zlog.Error().Err(err).Msg("encode response")
	}
}
