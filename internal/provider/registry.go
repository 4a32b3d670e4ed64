// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package provider

import (
	"context"
	"sort"
	"strings"
	"sync"

	nderr "github.com/netdiag/netdiag/pkg/errors"
)

// Registry manages provider registration, lookup and routing with
// failover. It implements Router.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider

	defaultRef string   // "provider/model"
	failover   []string // ordered "provider/model" refs
}

var _ Router = (*Registry)(nil)

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its Name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Names returns registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SetDefault sets the ref used when a request names no model.
func (r *Registry) SetDefault(ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkRefLocked(ref); err != nil {
		return err
	}
	r.defaultRef = ref
	return nil
}

// Default returns the default ref.
func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultRef
}

// SetFailover sets the ordered failover chain.
func (r *Registry) SetFailover(chain []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ref := range chain {
		if err := r.checkRefLocked(ref); err != nil {
			return err
		}
	}
	r.failover = append([]string(nil), chain...)
	return nil
}

func (r *Registry) checkRefLocked(ref string) error {
	name, model := ParseRef(ref)
	if model == "" {
		return nderr.Errorf(nderr.CodeProviderInvalidModelRef, "model ref %q must use provider/model format", ref)
	}
	if _, ok := r.providers[name]; !ok {
		return nderr.New(nderr.CodeProviderNotFound, "provider not registered: "+name, nderr.FieldProvider(name))
	}
	return nil
}

// Route selects a provider for ref, or for the default when ref is empty.
// An unavailable primary falls through the failover chain.
func (r *Registry) Route(ctx context.Context, ref string) (Provider, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ref == "" || ref == "default" {
		ref = r.defaultRef
	}
	if ref == "" {
		return nil, "", nderr.New(nderr.CodeProviderNoDefault, "no default provider configured")
	}
	if !strings.Contains(ref, "/") {
		return nil, "", nderr.Errorf(nderr.CodeProviderInvalidModelRef, "model ref %q must use provider/model format", ref)
	}

	if p, model, err := r.tryRef(ctx, ref); err == nil {
		return p, model, nil
	} else if nderr.IsNotFound(err) && len(r.failover) == 0 {
		return nil, "", err
	}

	for _, fallback := range r.failover {
		if fallback == ref {
			continue
		}
		if p, model, err := r.tryRef(ctx, fallback); err == nil {
			return p, model, nil
		}
	}

	return nil, "", nderr.New(nderr.CodeProviderAllUnavailable, "all providers unavailable: no healthy provider found")
}

// Statuses reports every provider's status, sorted by name.
func (r *Registry) Statuses(ctx context.Context) []ProviderStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProviderStatus, 0, len(r.providers))
	for _, p := range r.providers {
		st, err := p.Status(ctx)
		if err != nil {
			st = ProviderStatus{Provider: p.Name(), Message: err.Error()}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Close shuts down all registered providers.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, p := range r.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nderr.Join(errs...)
	}
	return nil
}

// tryRef requires r.mu held.
func (r *Registry) tryRef(ctx context.Context, ref string) (Provider, string, error) {
	name, model := ParseRef(ref)

	p, ok := r.providers[name]
	if !ok {
		return nil, "", nderr.New(nderr.CodeProviderNotFound, "provider not found: "+name, nderr.FieldProvider(name))
	}
	if !p.Available(ctx) {
		return nil, "", nderr.New(nderr.CodeProviderUpstreamFailure, "provider unavailable: "+name, nderr.FieldProvider(name))
	}
	return p, model, nil
}

// ParseRef splits a "provider/model" reference on the first "/".
func ParseRef(ref string) (providerName, model string) {
	idx := strings.Index(ref, "/")
	if idx < 0 {
		return ref, ""
	}
	return ref[:idx], ref[idx+1:]
}

// JoinRef builds a "provider/model" reference.
func JoinRef(providerName, model string) string {
	return providerName + "/" + model
}
