package ctl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"visiond/pkg/types"
)

func newTestServer(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 5*time.Second)
}

func TestClientInvokeAndStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /invoke", func(w http.ResponseWriter, r *http.Request) {
		var req types.InvokeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Model != "det" {
			t.Fatalf("model = %q, want det", req.Model)
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(types.InvokeResponse{CallID: "call-1"})
	})
	mux.HandleFunc("GET /status/call-1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.CallStatus{CallID: "call-1", Model: "det", State: types.CallSucceeded})
	})
	c := newTestServer(t, mux)

	id, err := c.Invoke(context.Background(), types.InvokeRequest{Model: "det", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if id != "call-1" {
		t.Fatalf("call id = %q", id)
	}
	st, err := c.CallStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("CallStatus: %v", err)
	}
	if st.State != types.CallSucceeded {
		t.Fatalf("state = %q", st.State)
	}
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	c := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(types.ErrorResponse{Error: "model not found: ghost", Code: 404})
	}))

	_, err := c.Models(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "model not found: ghost") {
		t.Fatalf("error = %v", err)
	}
	if !strings.Contains(err.Error(), "404") {
		t.Fatalf("error should carry status: %v", err)
	}
}

func TestClientWaitPollsUntilTerminal(t *testing.T) {
	var polls int
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status/call-2", func(w http.ResponseWriter, r *http.Request) {
		polls++
		st := types.CallStatus{CallID: "call-2", Model: "det", State: types.CallRunning}
		if polls >= 3 {
			st.State = types.CallSucceeded
		}
		json.NewEncoder(w).Encode(st)
	})
	c := newTestServer(t, mux)

	st, err := c.Wait(context.Background(), "call-2", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if st.State != types.CallSucceeded {
		t.Fatalf("state = %q", st.State)
	}
	if polls < 3 {
		t.Fatalf("polls = %d, want >= 3", polls)
	}
}

func TestClientWaitHonorsContext(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status/call-3", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.CallStatus{CallID: "call-3", State: types.CallRunning})
	})
	c := newTestServer(t, mux)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.Wait(ctx, "call-3", 5*time.Millisecond)
	if err == nil {
		t.Fatal("expected context error")
	}
}

func TestClientEnvironmentsAndRepair(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /environments", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string][]types.EnvironmentStatus{
			"environments": {{Key: "abc", Status: types.EnvReady}},
		})
	})
	mux.HandleFunc("POST /environments/abc/repair", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.EnvironmentStatus{Key: "abc", Status: types.EnvReady})
	})
	c := newTestServer(t, mux)

	envs, err := c.Environments(context.Background())
	if err != nil {
		t.Fatalf("Environments: %v", err)
	}
	if len(envs) != 1 || envs[0].Key != "abc" {
		t.Fatalf("envs = %+v", envs)
	}
	env, err := c.Repair(context.Background(), "abc")
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if env.Status != types.EnvReady {
		t.Fatalf("status = %q", env.Status)
	}
}
