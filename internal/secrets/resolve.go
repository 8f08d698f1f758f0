// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package secrets

import (
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

const scheme = "keyring://"

// IsURI reports whether value is a keyring:// reference.
func IsURI(value string) bool {
	return strings.HasPrefix(value, scheme)
}

// URI builds the reference for service and key.
func URI(service, key string) string {
	return scheme + service + "/" + key
}

// ParseURI splits keyring://service/key. The key may itself contain slashes.
func ParseURI(uri string) (service, key string, err error) {
	if !IsURI(uri) {
		return "", "", neoerr.Errorf(neoerr.CodeSecretInvalidInput, "not a keyring URI: %q", uri)
	}
	service, key, ok := strings.Cut(strings.TrimPrefix(uri, scheme), "/")
	if !ok || service == "" || key == "" {
		return "", "", neoerr.Errorf(neoerr.CodeSecretInvalidInput,
			"invalid keyring URI %q: expected keyring://service/key", uri)
	}
	return service, key, nil
}

// Resolve returns value unchanged unless it is a keyring reference, in which
// case the referenced secret is returned.
func Resolve(store Store, value string) (string, error) {
	if !IsURI(value) {
		return value, nil
	}
	service, key, err := ParseURI(value)
	if err != nil {
		return "", err
	}
	secret, err := store.Get(service, key)
	if err != nil {
		return "", neoerr.Wrapf(err, neoerr.CodeSecretResolveFailure, "resolving %q", value)
	}
	return secret, nil
}

// ResolveViper replaces every keyring reference among v's string values.
// Failures are logged and the reference is left in place so the provider
// that needs it reports the problem when it is used.
func ResolveViper(v *viper.Viper, store Store) {
	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if !IsURI(val) {
			continue
		}
		resolved, err := Resolve(store, val)
		if err != nil {
			slog.Warn("failed to resolve keyring reference", "config_key", key, "error", err)
			continue
		}
		v.Set(key, resolved)
	}
}
