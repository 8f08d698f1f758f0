// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package agent

import (
	"os"

	"gopkg.in/yaml.v3"

	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

// DiagnosticsTool is the tool the diagnostic feedback controller invokes.
const DiagnosticsTool = "lsp_diagnostic"

// BuiltinTools are the tools every capability host is expected to provide.
func BuiltinTools() []ToolSpec {
	filePath := map[string]any{"type": "string", "minLength": 1}
	return []ToolSpec{
		{
			Name:        "read_file",
			Description: "Read a file, optionally restricted to a line range.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"file_path":  filePath,
					"start_line": map[string]any{"type": "integer", "minimum": 1},
					"end_line":   map[string]any{"type": "integer", "minimum": 1},
				},
				"required": []any{"file_path"},
			},
		},
		{
			Name:        "grep",
			Description: "Search the workspace for a regular expression.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"pattern": map[string]any{"type": "string", "minLength": 1},
					"path":    map[string]any{"type": "string"},
					"glob":    map[string]any{"type": "string"},
				},
				"required": []any{"pattern"},
			},
		},
		{
			Name:        "tree_sitter_query",
			Description: "Run a tree-sitter query against a file and return the captures.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"file_path": filePath,
					"query":     map[string]any{"type": "string", "minLength": 1},
				},
				"required": []any{"file_path", "query"},
			},
		},
		{
			Name:        "edit",
			Description: "Replace text in a file. An empty old_string creates or overwrites the file.",
			Mutating:    true,
			TargetArg:   "file_path",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"file_path":  filePath,
					"old_string": map[string]any{"type": "string"},
					"new_string": map[string]any{"type": "string"},
				},
				"required": []any{"file_path", "new_string"},
			},
		},
		{
			Name:        "lsp_code_action",
			Description: "Apply a language server code action at a position.",
			Mutating:    true,
			TargetArg:   "file_path",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"file_path": filePath,
					"line":      map[string]any{"type": "integer", "minimum": 1},
					"action":    map[string]any{"type": "string"},
				},
				"required": []any{"file_path", "line"},
			},
		},
		{
			Name:        DiagnosticsTool,
			Description: "Return the language server diagnostics for a file.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"file_path": filePath,
				},
				"required": []any{"file_path"},
			},
		},
	}
}

// toolFile is the on-disk form of extra tool declarations.
type toolFile struct {
	Tools []ToolSpec `yaml:"tools"`
}

// LoadToolFile reads extra tool declarations from a YAML file.
func LoadToolFile(path string) ([]ToolSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, neoerr.Wrapf(err, neoerr.CodeAgentToolFileInvalid, "reading tool file %s", path)
	}
	return ParseToolFile(data)
}

// ParseToolFile decodes YAML tool declarations.
func ParseToolFile(data []byte) ([]ToolSpec, error) {
	var f toolFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, neoerr.Wrap(err, neoerr.CodeAgentToolFileInvalid, "parsing tool file")
	}
	for i, t := range f.Tools {
		if t.Name == "" {
			return nil, neoerr.Errorf(neoerr.CodeAgentToolFileInvalid, "tool %d has no name", i)
		}
	}
	return f.Tools, nil
}

// RegisterAll registers specs in order, stopping at the first failure.
func (r *Registry) RegisterAll(specs []ToolSpec) error {
	for _, s := range specs {
		if err := r.Register(s); err != nil {
			return err
		}
	}
	return nil
}
