// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package store

// StorageConfig controls which backend the store factory uses.
type StorageConfig struct {
	Backend string // "sqlite" (default), "badger" or "memory".
	// Path is the data directory; each backend derives its own file names.
	Path string
	// InMemory asks file-backed engines to keep data in RAM. Tests only.
	InMemory bool
}
