// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package sqlite

import (
	"os"
	"path/filepath"

	"github.com/kernitus/neoai.nvim-sub001/internal/store"
	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

func init() {
	store.RegisterBackend("sqlite", openSessionStore)
}

func openSessionStore(dataPath string) (store.SessionStore, error) {
	if err := os.MkdirAll(dataPath, 0o700); err != nil {
		return nil, neoerr.Wrapf(err, neoerr.CodeStoreDatabaseFailure, "creating data directory %s", dataPath)
	}
	ss, err := NewSessionStore(filepath.Join(dataPath, "sessions.db"))
	if err != nil {
		return nil, neoerr.Wrap(err, neoerr.CodeStoreDatabaseFailure, "creating session store")
	}
	return ss, nil
}
