// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package store

import (
	"sort"
	"sync"

	nderr "github.com/netdiag/netdiag/pkg/errors"
)

// Factory opens a session store for the given configuration.
type Factory func(cfg *StorageConfig) (SessionStore, error)

var (
	factories   = map[string]Factory{}
	factoriesMu sync.RWMutex
)

func init() {
	RegisterBackend("memory", func(*StorageConfig) (SessionStore, error) {
		return NewMemoryStore(), nil
	})
}

// RegisterBackend registers a factory for a named storage backend.
// Backend packages call this from init(). This function is goroutine-safe.
func RegisterBackend(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// Backends lists registered backend names.
func Backends() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolveBackend returns the effective backend name, defaulting to "sqlite".
func resolveBackend(cfg *StorageConfig) string {
	if cfg.Backend == "" {
		return "sqlite"
	}
	return cfg.Backend
}

// New opens the session store selected by cfg.
func New(cfg *StorageConfig) (SessionStore, error) {
	backend := resolveBackend(cfg)

	factoriesMu.RLock()
	factory, ok := factories[backend]
	factoriesMu.RUnlock()
	if !ok {
		return nil, nderr.Errorf(nderr.CodeStoreBackendUnsupported, "unsupported storage backend: %q", backend)
	}

	return factory(cfg)
}
