// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

// Package secrets keeps provider API keys out of the config file. A config
// value of the form keyring://service/key is replaced at load time with the
// secret stored in the OS keyring.
package secrets

// Store provides secret storage operations.
type Store interface {
	// Set saves value under service and key.
	Set(service, key, value string) error

	// Get fetches the value for service and key. A missing secret yields a
	// secret.get.not_found error.
	Get(service, key string) (string, error)

	// Delete removes the secret for service and key.
	Delete(service, key string) error
}

// DefaultService is the keyring service used when the CLI stores a key.
const DefaultService = "neoai"
