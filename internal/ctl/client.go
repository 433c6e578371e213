// Package ctl implements the visionctl command line client for the visiond
// HTTP API.
package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"visiond/pkg/types"
)

// Client talks to a visiond instance.
type Client struct {
	base string
	http *http.Client
}

// NewClient builds a client for the daemon at base, e.g.
// "http://127.0.0.1:8080".
func NewClient(base string, timeout time.Duration) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// apiError mirrors the daemon's JSON error envelope.
type apiError struct {
	Status int
	Msg    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("visiond: %s (http %d)", e.Msg, e.Status)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var er types.ErrorResponse
		if jerr := json.NewDecoder(resp.Body).Decode(&er); jerr == nil && er.Error != "" {
			return &apiError{Status: resp.StatusCode, Msg: er.Error}
		}
		return &apiError{Status: resp.StatusCode, Msg: resp.Status}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Invoke submits a call and returns its id.
func (c *Client) Invoke(ctx context.Context, req types.InvokeRequest) (string, error) {
	var resp types.InvokeResponse
	if err := c.do(ctx, http.MethodPost, "/invoke", req, &resp); err != nil {
		return "", err
	}
	return resp.CallID, nil
}

// CallStatus fetches the state of one call.
func (c *Client) CallStatus(ctx context.Context, id string) (types.CallStatus, error) {
	var st types.CallStatus
	err := c.do(ctx, http.MethodGet, "/status/"+id, nil, &st)
	return st, err
}

// Wait polls a call until it reaches a terminal state or ctx expires.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (types.CallStatus, error) {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := c.CallStatus(ctx, id)
		if err != nil {
			return st, err
		}
		if st.State.Terminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel requests cancellation of a call.
func (c *Client) Cancel(ctx context.Context, id string) (types.CancelResponse, error) {
	var resp types.CancelResponse
	err := c.do(ctx, http.MethodPost, "/cancel/"+id, nil, &resp)
	return resp, err
}

// Models lists the daemon's catalog.
func (c *Client) Models(ctx context.Context) ([]types.ModelInfo, error) {
	var resp types.ModelsResponse
	if err := c.do(ctx, http.MethodGet, "/models", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Models, nil
}

// Environments lists known environment records.
func (c *Client) Environments(ctx context.Context) ([]types.EnvironmentStatus, error) {
	var resp struct {
		Environments []types.EnvironmentStatus `json:"environments"`
	}
	if err := c.do(ctx, http.MethodGet, "/environments", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Environments, nil
}

// Provision warms the environment a model needs without running a call.
func (c *Client) Provision(ctx context.Context, modelID string) (types.EnvironmentStatus, error) {
	var env types.EnvironmentStatus
	err := c.do(ctx, http.MethodPost, "/models/"+modelID+"/provision", nil, &env)
	return env, err
}

// Repair forces an environment through a fresh provisioning cycle.
func (c *Client) Repair(ctx context.Context, key string) (types.EnvironmentStatus, error) {
	var env types.EnvironmentStatus
	err := c.do(ctx, http.MethodPost, "/environments/"+key+"/repair", nil, &env)
	return env, err
}

// Status fetches the daemon status summary.
func (c *Client) Status(ctx context.Context) (types.StatusResponse, error) {
	var st types.StatusResponse
	err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

// Metrics fetches the JSON metrics summary.
func (c *Client) Metrics(ctx context.Context) (types.MetricsResponse, error) {
	var m types.MetricsResponse
	err := c.do(ctx, http.MethodGet, "/metrics", nil, &m)
	return m, err
}
