package types

import "encoding/json"

// InvokeRequest is the payload accepted by POST /invoke.
type InvokeRequest struct {
	// Model identifier from the catalog.
	// example: yolov5
	Model string `json:"model" example:"yolov5"`
	// Opaque inference payload forwarded to the worker unmodified
	// (e.g., {"image":"/data/cat.jpg","confidence":0.5,"iou":0.45}).
	Payload json.RawMessage `json:"payload"`
	// Caller timeout in milliseconds; 0 uses the server default.
	// example: 30000
	TimeoutMs int `json:"timeout_ms,omitempty" example:"30000"`
}

// InvokeResponse is returned by POST /invoke.
type InvokeResponse struct {
	// Identifier used to poll /status/{call_id} and to cancel.
	// example: 3f1c9a2e-7b1d-4f7e-9f8a-2f4f2b6a1c0d
	CallID string `json:"call_id" example:"3f1c9a2e-7b1d-4f7e-9f8a-2f4f2b6a1c0d"`
}

// CallStatus is returned by GET /status/{call_id}.
type CallStatus struct {
	// Identifier of the call.
	CallID string `json:"call_id"`
	// Model the call targets.
	Model string `json:"model"`
	// Lifecycle state of the call.
	// example: succeeded
	State CallState `json:"state" example:"succeeded"`
	// Worker output, present once the call succeeded.
	Output json.RawMessage `json:"output,omitempty"`
	// Error detail, present when the call failed.
	Error string `json:"error,omitempty"`
	// Unix seconds the call was submitted.
	SubmittedAt int64 `json:"submitted_at_unix"`
	// Unix seconds the call reached a terminal state (0 while in flight).
	FinishedAt int64 `json:"finished_at_unix,omitempty"`
}

// CancelResponse is returned by POST /cancel/{call_id}.
type CancelResponse struct {
	// Whether the cancellation was accepted.
	// example: true
	Accepted bool `json:"accepted" example:"true"`
}

// EnvironmentStatus summarizes one registry record for API consumers.
type EnvironmentStatus struct {
	// Spec key (hex sha256 of the canonical spec).
	Key string `json:"key"`
	// Spec the record was provisioned from.
	Spec EnvironmentSpec `json:"spec"`
	// Lifecycle status of the environment.
	// example: ready
	Status EnvStatus `json:"status" example:"ready"`
	// Filesystem root, valid only when ready.
	Root string `json:"root,omitempty"`
	// Last provisioning error, valid only when failed.
	LastError string `json:"last_error,omitempty"`
	// Unix seconds the record was created.
	CreatedAt int64 `json:"created_at_unix"`
	// Unix seconds the root was last verified.
	LastVerifiedAt int64 `json:"last_verified_at_unix,omitempty"`
}

// WorkerStatus summarizes one supervised worker process.
type WorkerStatus struct {
	// Spec key of the environment the worker is bound to.
	EnvKey string `json:"env_key"`
	// Model the worker serves.
	Model string `json:"model"`
	// Health state (starting, ready, busy, crashed, stopped).
	// example: ready
	State string `json:"state" example:"ready"`
	// Process ID of the worker.
	// example: 12345
	PID int `json:"pid,omitempty" example:"12345"`
	// Number of in-flight calls on this worker.
	Inflight int `json:"inflight"`
	// Unix seconds the worker last served a request.
	LastUsed int64 `json:"last_used_unix"`
}

// MetricsResponse is the JSON summary served by GET /metrics.
type MetricsResponse struct {
	// Number of live workers across all environments.
	// example: 2
	WorkerCount int `json:"worker_count" example:"2"`
	// Calls queued waiting for a worker slot.
	// example: 0
	QueueDepth int `json:"queue_depth" example:"0"`
	// Known environments and their statuses.
	Environments []EnvironmentStatus `json:"environments"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Detected hardware capability (advisory).
	Capability Capability `json:"capability"`
	// Known environments.
	Environments []EnvironmentStatus `json:"environments"`
	// Live workers.
	Workers []WorkerStatus `json:"workers"`
	// Uptime of the daemon in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	ServerTimeUnix int64 `json:"server_time_unix"`
}

// ModelsResponse wraps the catalog listing returned by GET /models.
type ModelsResponse struct {
	Models []ModelInfo `json:"models"`
}

// ModelInfo describes one catalog entry for API consumers.
type ModelInfo struct {
	// Stable identifier for the model.
	// example: yolov5
	ID string `json:"id" example:"yolov5"`
	// Human-friendly name.
	// example: YOLOv5 (CUDA)
	Name string `json:"name" example:"YOLOv5 (CUDA)"`
	// Environment the model requires.
	Spec EnvironmentSpec `json:"spec"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: model not found: yolov9
	Error string `json:"error" example:"model not found: yolov9"`
	// HTTP status code.
	// example: 404
	Code int `json:"code" example:"404"`
}
