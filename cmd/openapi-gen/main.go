// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

// Command openapi-gen writes the OpenAPI document of the neoai HTTP API.
// The output format follows the file extension: .yaml/.yml or JSON.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kernitus/neoai.nvim-sub001/internal/agent"
	"github.com/kernitus/neoai.nvim-sub001/internal/server"
	"github.com/kernitus/neoai.nvim-sub001/internal/store"
	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

func main() {
	outPath := "api/openapi/spec.json"
	if len(os.Args) > 1 {
		outPath = os.Args[1]
	}

	spec, err := generateSpec(outPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "error creating output dir: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(outPath, spec, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "error writing spec: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("OpenAPI spec written to %s\n", outPath)
}

// generateSpec creates a server with all routes registered and extracts the
// OpenAPI document huma builds from the Go types.
func generateSpec(outPath string) ([]byte, error) {
	srv, err := server.New(server.Config{ListenAddr: "127.0.0.1:0"}, server.Services{Sessions: stubSessions{}})
	if err != nil {
		return nil, neoerr.Wrapf(err, neoerr.CodeCLISetupFailure, "creating server")
	}
	defer srv.Close()

	doc := srv.API().OpenAPI()
	switch strings.ToLower(filepath.Ext(outPath)) {
	case ".yaml", ".yml":
		return doc.YAML()
	default:
		return json.MarshalIndent(doc, "", "  ")
	}
}

// stubSessions satisfies the route registration. Handlers are never called.
type stubSessions struct{}

func (stubSessions) Create(context.Context, string) (*store.Session, error) { return nil, nil }

func (stubSessions) Summary(context.Context, string) (agent.SessionSummary, error) {
	return agent.SessionSummary{}, nil
}

func (stubSessions) List(context.Context, store.ListOpts) ([]agent.SessionSummary, error) {
	return nil, nil
}

func (stubSessions) Rename(context.Context, string, string) (*store.Session, error) { return nil, nil }

func (stubSessions) Delete(context.Context, string) error { return nil }

func (stubSessions) History(context.Context, string) ([]*store.Turn, error) { return nil, nil }

func (stubSessions) Chat(context.Context, string, string) (*agent.TurnOutcome, error) {
	return nil, nil
}

func (stubSessions) Cancel(string) bool { return false }
