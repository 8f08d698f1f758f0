// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

//go:build windows

package main

import (
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

func checkDiskSpace(dataDir string) string {
	path := dataDir
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path, _ = os.UserHomeDir()
	}
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return fmt.Sprintf("unable to check: %s", err)
	}
	var free uint64
	if err := windows.GetDiskFreeSpaceEx(p, &free, nil, nil); err != nil {
		return fmt.Sprintf("unable to check: %s", err)
	}
	return formatBytes(free) + " available"
}
