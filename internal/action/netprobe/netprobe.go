// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

// Package netprobe provides the built-in read-only diagnostic actions.
package netprobe

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/netdiag/netdiag/internal/action"
)

// Resolver is the subset of net.Resolver used by resolve_host.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Dialer is the subset of net.Dialer used by probe_port.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Options configures the built-in actions. Zero values pick defaults.
type Options struct {
	Resolver   Resolver
	Dialer     Dialer
	HTTPClient *http.Client
	// Inventory backs query_inventory. Nil leaves the action unregistered.
	Inventory *Inventory
	// Timeout is the per-action default when the engine passes none.
	Timeout time.Duration
}

// Register adds every built-in action to r.
func Register(r *action.Registry, opts Options) error {
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{}
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	defs := []struct {
		def  action.Definition
		exec action.Executor
	}{
		{probePortDefinition(opts.Timeout), probePort(opts.Dialer)},
		{resolveHostDefinition(opts.Timeout), resolveHost(opts.Resolver)},
		{httpCheckDefinition(opts.Timeout), httpCheck(opts.HTTPClient)},
	}
	if opts.Inventory != nil {
		defs = append(defs, struct {
			def  action.Definition
			exec action.Executor
		}{queryInventoryDefinition(opts.Timeout), queryInventory(opts.Inventory)})
	}

	for _, d := range defs {
		if err := r.Register(d.def, d.exec); err != nil {
			return err
		}
	}
	return nil
}

func probePortDefinition(timeout time.Duration) action.Definition {
	return action.Definition{
		Name:        "probe_port",
		Description: "Open a connection to host:port to check whether the port is reachable. Reports refused, timed out or open.",
		Timeout:     timeout,
		Schema: &action.Schema{
			Type: action.TypeObject,
			Properties: map[string]*action.Schema{
				"host":     {Type: action.TypeString, Format: "host", MaxLength: 255, Description: "Target hostname or IP address"},
				"port":     {Type: action.TypeInteger, Minimum: action.Float(1), Maximum: action.Float(65535), Description: "Target port"},
				"protocol": {Type: action.TypeString, Enum: []any{"tcp", "udp"}, Description: "Transport protocol, default tcp"},
			},
			Required:             []string{"host", "port"},
			AdditionalProperties: action.Closed(),
		},
	}
}

func probePort(d Dialer) action.Executor {
	return action.ExecutorFunc(func(ctx context.Context, args map[string]any) (action.Result, error) {
		host := action.String(args, "host")
		port, _ := action.Int(args, "port")
		network := action.String(args, "protocol")
		if network == "" {
			network = "tcp"
		}
		addr := net.JoinHostPort(host, strconv.Itoa(port))

		start := time.Now()
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return action.Result{
				ErrorOutput: classifyDialError(err),
				ExitCode:    exitCode(1),
			}, nil
		}
		defer conn.Close()

		out := fmt.Sprintf("%s %s open (connect %s)", network, addr, time.Since(start).Round(time.Millisecond))
		if network == "udp" {
			out = fmt.Sprintf("udp %s socket opened; udp is connectionless so no response does not prove reachability", addr)
		}
		return action.Result{Success: true, Output: out, ExitCode: exitCode(0)}, nil
	})
}

func classifyDialError(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return "connection refused: " + msg
	case strings.Contains(msg, "i/o timeout"), strings.Contains(msg, "deadline exceeded"):
		return "timeout: " + msg
	case strings.Contains(msg, "no such host"):
		return "dns resolution failed: " + msg
	case strings.Contains(msg, "no route to host"), strings.Contains(msg, "network is unreachable"):
		return "unreachable: " + msg
	default:
		return msg
	}
}

func resolveHostDefinition(timeout time.Duration) action.Definition {
	return action.Definition{
		Name:        "resolve_host",
		Description: "Resolve a hostname through DNS and list its addresses.",
		Timeout:     timeout,
		Schema: &action.Schema{
			Type: action.TypeObject,
			Properties: map[string]*action.Schema{
				"host": {Type: action.TypeString, Format: "hostname", MaxLength: 255, Description: "Hostname to resolve"},
			},
			Required:             []string{"host"},
			AdditionalProperties: action.Closed(),
		},
	}
}

func resolveHost(r Resolver) action.Executor {
	return action.ExecutorFunc(func(ctx context.Context, args map[string]any) (action.Result, error) {
		host := action.String(args, "host")
		addrs, err := r.LookupHost(ctx, host)
		if err != nil {
			return action.Result{ErrorOutput: classifyDialError(err), ExitCode: exitCode(1)}, nil
		}
		return action.Result{
			Success:  true,
			Output:   fmt.Sprintf("%s resolves to %s", host, strings.Join(addrs, ", ")),
			ExitCode: exitCode(0),
		}, nil
	})
}

func httpCheckDefinition(timeout time.Duration) action.Definition {
	return action.Definition{
		Name:        "http_check",
		Description: "Send an HTTP GET to a URL and report the status code and latency.",
		Timeout:     timeout,
		Schema: &action.Schema{
			Type: action.TypeObject,
			Properties: map[string]*action.Schema{
				"url":           {Type: action.TypeString, Format: "url", MaxLength: 2048, Description: "Absolute http or https URL"},
				"expect_status": {Type: action.TypeInteger, Minimum: action.Float(100), Maximum: action.Float(599), Description: "Expected status code, default any 2xx or 3xx"},
			},
			Required:             []string{"url"},
			AdditionalProperties: action.Closed(),
		},
	}
}

func httpCheck(client *http.Client) action.Executor {
	return action.ExecutorFunc(func(ctx context.Context, args map[string]any) (action.Result, error) {
		url := action.String(args, "url")
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return action.Result{ErrorOutput: err.Error(), ExitCode: exitCode(2)}, nil
		}

		start := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			return action.Result{ErrorOutput: classifyDialError(err), ExitCode: exitCode(1)}, nil
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		elapsed := time.Since(start).Round(time.Millisecond)

		out := fmt.Sprintf("GET %s -> %s in %s", url, resp.Status, elapsed)
		ok := resp.StatusCode < 400
		if want, set := action.Int(args, "expect_status"); set {
			ok = resp.StatusCode == want
		}
		if !ok {
			return action.Result{Output: out, ErrorOutput: "unexpected status " + resp.Status, ExitCode: exitCode(1)}, nil
		}
		return action.Result{Success: true, Output: out, ExitCode: exitCode(0)}, nil
	})
}

func exitCode(c int) *int { return &c }
