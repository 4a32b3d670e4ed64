// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package secrets

import (
	"encoding/json"
	"errors"
	"log/slog"
	"slices"

	"github.com/zalando/go-keyring"

	nderr "github.com/netdiag/netdiag/pkg/errors"
)

// indexKey holds the JSON list of key names for a service; the OS keyring
// itself cannot enumerate entries.
const indexKey = "::index"

// Keyring is a Store on the OS keyring (Keychain, secret-service or the
// Windows Credential Manager).
type Keyring struct{}

// NewKeyring returns a Keyring.
func NewKeyring() *Keyring {
	return &Keyring{}
}

func checkName(op, service, key string) error {
	switch {
	case service == "":
		return nderr.Errorf(nderr.CodeSecretInputInvalid, "secret %s: service must not be empty", op)
	case key == "":
		return nderr.Errorf(nderr.CodeSecretInputInvalid, "secret %s: key must not be empty", op)
	case key == indexKey:
		return nderr.Errorf(nderr.CodeSecretInputInvalid, "secret %s: key %q is reserved", op, key)
	}
	return nil
}

// Put stores value under service/key, replacing any previous value.
func (k *Keyring) Put(service, key, value string) error {
	if err := checkName("put", service, key); err != nil {
		return err
	}
	if err := keyring.Set(service, key, value); err != nil {
		return nderr.Errorf(nderr.CodeSecretStoreFailure, "storing secret %s/%s: %v", service, key, err)
	}

	keys, err := k.Keys(service)
	if err != nil {
		return err
	}
	if slices.Contains(keys, key) {
		return nil
	}
	return k.writeIndex(service, append(keys, key))
}

// Lookup implements Lookup.
func (k *Keyring) Lookup(service, key string) (string, error) {
	if err := checkName("lookup", service, key); err != nil {
		return "", err
	}
	val, err := keyring.Get(service, key)
	switch {
	case errors.Is(err, keyring.ErrNotFound):
		return "", nderr.Errorf(nderr.CodeSecretNotFound, "secret %s/%s not found", service, key)
	case err != nil:
		return "", nderr.Errorf(nderr.CodeSecretStoreFailure, "reading secret %s/%s: %v", service, key, err)
	}
	return val, nil
}

// Delete removes service/key.
func (k *Keyring) Delete(service, key string) error {
	if err := checkName("delete", service, key); err != nil {
		return err
	}
	err := keyring.Delete(service, key)
	switch {
	case errors.Is(err, keyring.ErrNotFound):
		return nderr.Errorf(nderr.CodeSecretNotFound, "secret %s/%s not found", service, key)
	case err != nil:
		return nderr.Errorf(nderr.CodeSecretStoreFailure, "deleting secret %s/%s: %v", service, key, err)
	}

	keys, err := k.Keys(service)
	if err != nil {
		return err
	}
	return k.writeIndex(service, slices.DeleteFunc(keys, func(s string) bool { return s == key }))
}

// Keys implements Store.
func (k *Keyring) Keys(service string) ([]string, error) {
	raw, err := keyring.Get(service, indexKey)
	switch {
	case errors.Is(err, keyring.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, nderr.Errorf(nderr.CodeSecretStoreFailure, "reading key index of %s: %v", service, err)
	}

	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, nderr.Errorf(nderr.CodeSecretStoreFailure, "decoding key index of %s: %v", service, err)
	}
	return keys, nil
}

func (k *Keyring) writeIndex(service string, keys []string) error {
	if len(keys) == 0 {
		if err := keyring.Delete(service, indexKey); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			slog.Debug("removing empty key index failed", slog.String("service", service), slog.Any("error", err))
		}
		return nil
	}

	data, err := json.Marshal(keys)
	if err != nil {
		return nderr.Errorf(nderr.CodeSecretStoreFailure, "encoding key index of %s: %v", service, err)
	}
	if err := keyring.Set(service, indexKey, string(data)); err != nil {
		return nderr.Errorf(nderr.CodeSecretStoreFailure, "writing key index of %s: %v", service, err)
	}
	return nil
}
