// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package secrets

import (
	"errors"

	"github.com/zalando/go-keyring"

	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

// KeyringStore implements Store on the OS keyring: Keychain on macOS,
// secret-service on Linux, Credential Manager on Windows.
type KeyringStore struct{}

// NewKeyringStore returns a KeyringStore.
func NewKeyringStore() *KeyringStore {
	return &KeyringStore{}
}

func (s *KeyringStore) Set(service, key, value string) error {
	if err := validate("set", service, key); err != nil {
		return err
	}
	if err := keyring.Set(service, key, value); err != nil {
		return neoerr.Wrapf(err, neoerr.CodeSecretStoreFailure, "storing secret %s/%s", service, key)
	}
	return nil
}

func (s *KeyringStore) Get(service, key string) (string, error) {
	if err := validate("get", service, key); err != nil {
		return "", err
	}
	val, err := keyring.Get(service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", neoerr.Errorf(neoerr.CodeSecretNotFound, "secret %s/%s not found", service, key)
		}
		return "", neoerr.Wrapf(err, neoerr.CodeSecretStoreFailure, "reading secret %s/%s", service, key)
	}
	return val, nil
}

func (s *KeyringStore) Delete(service, key string) error {
	if err := validate("delete", service, key); err != nil {
		return err
	}
	if err := keyring.Delete(service, key); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return neoerr.Errorf(neoerr.CodeSecretNotFound, "secret %s/%s not found", service, key)
		}
		return neoerr.Wrapf(err, neoerr.CodeSecretStoreFailure, "deleting secret %s/%s", service, key)
	}
	return nil
}

func validate(op, service, key string) error {
	if service == "" || key == "" {
		return neoerr.Errorf(neoerr.CodeSecretInvalidInput, "secret %s: service and key must not be empty", op)
	}
	return nil
}
