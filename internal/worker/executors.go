package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"crucible/internal/models"
)

// The concrete executors wrap external analysis tooling. Each one decodes its
// payload shape, materializes a per-task artifact directory and shells out;
// tool output goes to run.log inside that directory and the directory path is
// the task's result reference.

func decodePayload(task models.Task, out any) error {
	if len(task.Payload) == 0 {
		return fmt.Errorf("task %s: empty payload", task.ID)
	}
	if err := json.Unmarshal(task.Payload, out); err != nil {
		return fmt.Errorf("task %s: decode payload: %w", task.ID, err)
	}
	return nil
}

func runTool(ctx context.Context, artifactDir string, tool string, args ...string) error {
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	logFile, err := os.Create(filepath.Join(artifactDir, "run.log"))
	if err != nil {
		return fmt.Errorf("create run log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, tool, args...)
	cmd.Dir = artifactDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w (see %s)", tool, err, filepath.Join(artifactDir, "run.log"))
	}
	return nil
}

// FuzzPayload configures a fuzzing run against one harness.
type FuzzPayload struct {
	Harness   string   `json:"harness"`
	CorpusDir string   `json:"corpus_dir,omitempty"`
	Args      []string `json:"args,omitempty"`
}

// FuzzExecutor drives a coverage-guided fuzzer and collects crashes under the
// artifact directory.
type FuzzExecutor struct {
	ToolPath     string
	ArtifactsDir string
}

func (e *FuzzExecutor) Kind() models.TaskKind { return models.KindFuzz }

func (e *FuzzExecutor) Execute(ctx context.Context, task models.Task) (string, error) {
	var payload FuzzPayload
	if err := decodePayload(task, &payload); err != nil {
		return "", err
	}
	if payload.Harness == "" {
		return "", errors.New("fuzz payload missing harness")
	}

	dir := filepath.Join(e.ArtifactsDir, task.ID)
	args := []string{"--harness", payload.Harness, "--crashes", filepath.Join(dir, "crashes")}
	if payload.CorpusDir != "" {
		args = append(args, "--corpus", payload.CorpusDir)
	}
	args = append(args, payload.Args...)

	if err := runTool(ctx, dir, e.ToolPath, args...); err != nil {
		return "", err
	}
	return dir, nil
}

// SeedGenPayload configures corpus seed generation for a target.
type SeedGenPayload struct {
	Harness string `json:"harness"`
	Count   int    `json:"count,omitempty"`
}

// SeedGenExecutor produces an input corpus for a harness.
type SeedGenExecutor struct {
	ToolPath     string
	ArtifactsDir string
	DefaultCount int
}

func (e *SeedGenExecutor) Kind() models.TaskKind { return models.KindSeedGen }

func (e *SeedGenExecutor) Execute(ctx context.Context, task models.Task) (string, error) {
	var payload SeedGenPayload
	if err := decodePayload(task, &payload); err != nil {
		return "", err
	}
	if payload.Harness == "" {
		return "", errors.New("seed-gen payload missing harness")
	}
	count := payload.Count
	if count <= 0 {
		count = e.DefaultCount
	}

	dir := filepath.Join(e.ArtifactsDir, task.ID)
	err := runTool(ctx, dir, e.ToolPath,
		"--harness", payload.Harness,
		"--count", strconv.Itoa(count),
		"--out", filepath.Join(dir, "seeds"))
	if err != nil {
		return "", err
	}
	return dir, nil
}

// PatchPayload points a patch generator at a confirmed vulnerability.
type PatchPayload struct {
	SourceDir  string `json:"source_dir"`
	CrashInput string `json:"crash_input"`
}

// PatchExecutor attempts to produce a candidate fix for a crash.
type PatchExecutor struct {
	ToolPath     string
	ArtifactsDir string
}

func (e *PatchExecutor) Kind() models.TaskKind { return models.KindPatch }

func (e *PatchExecutor) Execute(ctx context.Context, task models.Task) (string, error) {
	var payload PatchPayload
	if err := decodePayload(task, &payload); err != nil {
		return "", err
	}
	if payload.SourceDir == "" || payload.CrashInput == "" {
		return "", errors.New("patch payload missing source_dir or crash_input")
	}

	dir := filepath.Join(e.ArtifactsDir, task.ID)
	err := runTool(ctx, dir, e.ToolPath,
		"--source", payload.SourceDir,
		"--crash", payload.CrashInput,
		"--out", filepath.Join(dir, "candidate.patch"))
	if err != nil {
		return "", err
	}
	return dir, nil
}

// AnalyzePayload configures triage of a crashing input.
type AnalyzePayload struct {
	Harness    string `json:"harness"`
	CrashInput string `json:"crash_input"`
}

// AnalyzeExecutor reproduces and triages a crash, emitting a structured
// report under the artifact directory.
type AnalyzeExecutor struct {
	ToolPath     string
	ArtifactsDir string
}

func (e *AnalyzeExecutor) Kind() models.TaskKind { return models.KindAnalyze }

func (e *AnalyzeExecutor) Execute(ctx context.Context, task models.Task) (string, error) {
	var payload AnalyzePayload
	if err := decodePayload(task, &payload); err != nil {
		return "", err
	}
	if payload.Harness == "" || payload.CrashInput == "" {
		return "", errors.New("analyze payload missing harness or crash_input")
	}

	dir := filepath.Join(e.ArtifactsDir, task.ID)
	err := runTool(ctx, dir, e.ToolPath,
		"--harness", payload.Harness,
		"--input", payload.CrashInput,
		"--report", filepath.Join(dir, "report.json"))
	if err != nil {
		return "", err
	}
	return dir, nil
}
