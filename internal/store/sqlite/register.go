// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package sqlite

import (
	"os"
	"path/filepath"

	"github.com/netdiag/netdiag/internal/store"
	nderr "github.com/netdiag/netdiag/pkg/errors"
)

func init() {
	store.RegisterBackend("sqlite", newSessionStore)
}

func newSessionStore(cfg *store.StorageConfig) (store.SessionStore, error) {
	if cfg.Path == "" {
		return nil, nderr.New(nderr.CodeStoreInvalidInput, "sqlite backend requires a data path")
	}
	if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
		return nil, nderr.Wrapf(err, nderr.CodeStoreDatabaseFailure, "creating data dir %s", cfg.Path)
	}
	return NewSessionStore(filepath.Join(cfg.Path, "sessions.db"))
}
