// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package agent

// TrackedGenerations reports how many sessions hold a discard generation.
func (c *DiagnosticsController) TrackedGenerations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.gen)
}
