// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

// Package secrets keeps provider credentials out of configuration files.
// Config values of the form keyring://service/key are replaced by the
// secret stored under that service and key.
package secrets

// DefaultService is the keyring service netdiag stores its secrets under.
const DefaultService = "netdiag"

// Lookup fetches a single secret. A missing secret yields CodeSecretNotFound.
type Lookup interface {
	Lookup(service, key string) (string, error)
}

// Store manages secrets for the `netdiag secret` commands.
type Store interface {
	Lookup
	Put(service, key, value string) error
	Delete(service, key string) error
	// Keys lists the key names stored under service, in insertion order.
	Keys(service string) ([]string, error)
}

// ProviderKey is the conventional key name of a provider's API key.
func ProviderKey(provider string) string {
	return provider + "-api-key"
}
