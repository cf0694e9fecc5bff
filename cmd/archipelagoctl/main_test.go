package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"archipelago/internal/platform"
)

func writeConfig(t *testing.T, dir string, extra string) string {
	t.Helper()
	var data strings.Builder
	data.WriteString("x,y\n")
	for i := 0; i < 16; i++ {
		x := float64(i) / 4
		fmt.Fprintf(&data, "%g,%g\n", x, 2*x+1)
	}
	dataPath := filepath.Join(dir, "line")
	if err := os.WriteFile(dataPath+".csv", []byte(data.String()), 0o644); err != nil {
		t.Fatalf("write data: %v", err)
	}

	cfg := fmt.Sprintf(`infile: %s
infileExtension: csv
inVars: [x]
targetVar: y
primitives: [add, mul]
constants:
  - {type: ephemeral, name: rand, min: -2, max: 2}
depthLimit: 6
seed: 3
hof: {type: hallOfFame, size: 3}
expr: {type: halfAndHalf, min: 1, max: 2}
algo:
  type: eaSimple
  initialPopulationSize: 10
  numGenerations: 4
  stopFrequency: 2
  cxpb: 0.5
  mutpb: 0.2
islands:
  migrationFreq: 2
  numMigrants: 1
%s`, dataPath, extra)
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLocalCommandPrintsSummaryAndInspect(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "ck")
	cfgPath := writeConfig(t, dir, fmt.Sprintf("checkpoints: {filenamebase: %s, frequency: 2}\n", base))

	var stdout, stderr bytes.Buffer
	args := []string{"local", cfgPath, "--islands", "2", "--run-id", "cli-run", "-v", "0", "--log-format", "json"}
	if err := run(context.Background(), args, &stdout, &stderr); err != nil {
		t.Fatalf("local command: %v\nstderr: %s", err, stderr.String())
	}
	if !strings.HasPrefix(stdout.String(), "run cli-run: 2 islands, 4 generations") {
		t.Fatalf("unexpected summary:\n%s", stdout.String())
	}

	stdout.Reset()
	args = []string{"checkpoint", "inspect", base, "--rank", "1", "--config", cfgPath}
	if err := run(context.Background(), args, &stdout, &stderr); err != nil {
		t.Fatalf("inspect command: %v", err)
	}
	out := stdout.String()
	for _, want := range []string{"run:             cli-run", "rank:            1 of 2", "generation:      4"} {
		if !strings.Contains(out, want) {
			t.Fatalf("inspect output missing %q:\n%s", want, out)
		}
	}
}

func TestLocalCommandReportsStage(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "")
	args := []string{"local", cfgPath, "--infile", filepath.Join(dir, "missing"), "-v", "0"}
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	var stageErr *platform.StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected stage error, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "rank=0 stage=setup: ") {
		t.Fatalf("unexpected error text: %v", err)
	}
}

func TestRunCommandRequiresPeers(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "")
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"run", cfgPath, "--listen", ":0"}, &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), "--peers") {
		t.Fatalf("expected missing peers error, got %v", err)
	}
}

func TestUnknownLogFormat(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "")
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"local", cfgPath, "--log-format", "xml"}, &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), "unsupported log format") {
		t.Fatalf("expected log format error, got %v", err)
	}
}

func TestVersionCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), []string{"version"}, &stdout, &stderr); err != nil {
		t.Fatalf("version: %v", err)
	}
	if got := stdout.String(); got != "archipelagoctl dev\n" {
		t.Fatalf("unexpected version output %q", got)
	}
}
