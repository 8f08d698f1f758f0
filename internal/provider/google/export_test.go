// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package google

// ConvertMessages exposes convertMessages for white-box testing.
var ConvertMessages = convertMessages

// BuildConfig exposes buildConfig for white-box testing.
var BuildConfig = buildConfig
