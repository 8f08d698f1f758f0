// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package anthropic

import (
	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/kernitus/neoai.nvim-sub001/internal/provider"
)

// ConvertMessages exposes convertMessages for white-box testing.
var ConvertMessages = func(msgs []provider.Message) ([]anthropicsdk.MessageParam, error) {
	return convertMessages(msgs)
}

// ExtractSchema exposes extractSchema for white-box testing.
var ExtractSchema = extractSchema
