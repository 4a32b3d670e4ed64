// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package secrets

import (
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	nderr "github.com/netdiag/netdiag/pkg/errors"
)

const scheme = "keyring://"

// Ref names a secret by keyring service and key.
type Ref struct {
	Service string
	Key     string
}

// String renders r as a keyring:// URI.
func (r Ref) String() string {
	return scheme + r.Service + "/" + r.Key
}

// IsRef reports whether value is a keyring:// URI.
func IsRef(value string) bool {
	return strings.HasPrefix(value, scheme)
}

// ParseRef parses keyring://service/key. The key may contain slashes.
func ParseRef(uri string) (Ref, error) {
	rest, ok := strings.CutPrefix(uri, scheme)
	if !ok {
		return Ref{}, nderr.Errorf(nderr.CodeSecretURIInvalid, "%q is not a keyring URI", uri)
	}
	service, key, ok := strings.Cut(rest, "/")
	if !ok || service == "" || key == "" {
		return Ref{}, nderr.Errorf(nderr.CodeSecretURIInvalid, "invalid keyring URI %q, want keyring://service/key", uri)
	}
	return Ref{Service: service, Key: key}, nil
}

// Resolve returns the secret value points at, or value unchanged when it
// is not a keyring URI.
func Resolve(l Lookup, value string) (string, error) {
	if !IsRef(value) {
		return value, nil
	}
	ref, err := ParseRef(value)
	if err != nil {
		return "", err
	}
	return l.Lookup(ref.Service, ref.Key)
}

// ResolveViper replaces every keyring:// string in v with its secret. Keys
// that fail to resolve keep their URI and are returned, so the caller can
// report them once the value is actually needed.
func ResolveViper(v *viper.Viper, l Lookup, logger *slog.Logger) map[string]error {
	if logger == nil {
		logger = slog.Default()
	}
	var failed map[string]error
	for _, key := range v.AllKeys() {
		val, ok := v.Get(key).(string)
		if !ok || !IsRef(val) {
			continue
		}
		secret, err := Resolve(l, val)
		if err != nil {
			logger.Warn("unresolved keyring reference",
				slog.String("config_key", key),
				slog.Any("error", err))
			if failed == nil {
				failed = make(map[string]error)
			}
			failed[key] = err
			continue
		}
		v.Set(key, secret)
	}
	return failed
}
