// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	nderr "github.com/netdiag/netdiag/pkg/errors"
)

const defaultAddress = "127.0.0.1:8780"

// defaultHTTPClient is used by commands that talk to a running server.
// Streaming requests use streamHTTPClient, which has no overall timeout.
var (
	defaultHTTPClient = &http.Client{Timeout: 10 * time.Second}
	streamHTTPClient  = &http.Client{}
)

// apiClient provides HTTP access to a running netdiag server.
type apiClient struct {
	baseURL string
	http    *http.Client
}

// newAPIClient creates a client targeting addr, which is host:port or a
// full http(s) URL.
func newAPIClient(addr string) *apiClient {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &apiClient{baseURL: strings.TrimRight(base, "/"), http: defaultHTTPClient}
}

// do sends a JSON request and decodes a JSON response into dest when dest
// is non-nil.
func (c *apiClient) do(ctx context.Context, method, path string, body, dest any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nderr.Errorf(nderr.CodeCLIRequestFailure, "encoding request: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nderr.Errorf(nderr.CodeCLIRequestFailure, "building request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return requestError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if dest == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return nderr.Errorf(nderr.CodeCLIResponseInvalid, "invalid response: %v", err)
	}
	return nil
}

// stream opens a server-sent event stream.
func (c *apiClient) stream(ctx context.Context, path string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, nderr.Errorf(nderr.CodeCLIRequestFailure, "building request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := streamHTTPClient.Do(req)
	if err != nil {
		return nil, requestError(err)
	}
	if err := checkStatus(resp); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

func requestError(err error) error {
	if isDialError(err) {
		return nderr.New(nderr.CodeCLIServerNotRunning, "netdiag server is not running (connection refused)")
	}
	return nderr.Errorf(nderr.CodeCLIRequestFailure, "request failed: %v", err)
}

// checkStatus turns a non-2xx response into a coded error carrying the
// problem detail.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	detail := strings.TrimSpace(string(raw))
	var problem struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(raw, &problem) == nil && problem.Detail != "" {
		detail = problem.Detail
	}

	code := nderr.CodeCLIRequestFailure
	if resp.StatusCode == http.StatusNotFound {
		code = nderr.CodeServerEntityNotFound
	}
	return nderr.Errorf(code, "server returned %d: %s", resp.StatusCode, detail)
}

// isDialError returns true if err is a net dial error (connection refused, etc.).
func isDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}

// notRunning prints a friendly message when err means no server is
// listening and reports whether it did.
func notRunning(w io.Writer, addr string, err error) bool {
	if !nderr.HasCode(err, nderr.CodeCLIServerNotRunning) {
		return false
	}
	_, _ = fmt.Fprintf(w, "netdiag server at %s is not running (connection refused)\n", addr)
	return true
}
