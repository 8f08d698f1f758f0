// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package openai

import (
	openaisdk "github.com/openai/openai-go"

	"github.com/kernitus/neoai.nvim-sub001/internal/provider"
)

// ConvertMessages exposes convertMessages for white-box testing.
var ConvertMessages = func(msgs []provider.Message, systemPrompt string) ([]openaisdk.ChatCompletionMessageParamUnion, error) {
	return convertMessages(msgs, systemPrompt)
}

// BuildParams exposes buildParams for white-box testing.
var BuildParams = buildParams
