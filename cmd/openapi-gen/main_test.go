// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestGenerateSpec_JSON(t *testing.T) {
	spec, err := generateSpec("out/spec.json")
	require.NoError(t, err)

	var doc struct {
		OpenAPI string                    `json:"openapi"`
		Info    struct{ Title string }    `json:"info"`
		Paths   map[string]map[string]any `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(spec, &doc))
	assert.Equal(t, "neoai orchestrator", doc.Info.Title)
	assert.Contains(t, doc.Paths, "/api/v1/sessions/{id}/messages")
	assert.Contains(t, doc.Paths["/api/v1/sessions/{id}"], "patch")
	assert.Contains(t, doc.Paths, "/api/v1/sessions/{id}/events")
}

func TestGenerateSpec_YAML(t *testing.T) {
	spec, err := generateSpec("out/spec.yaml")
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(spec, &doc))
	assert.Contains(t, doc, "paths")
	assert.Contains(t, doc["paths"], "/api/v1/sessions")
}
