package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/taskpool"
	"github.com/mattjoyce/taskpool/internal/api"
	"github.com/mattjoyce/taskpool/internal/config"
	"github.com/mattjoyce/taskpool/internal/history"
	"github.com/mattjoyce/taskpool/internal/lock"
	"github.com/mattjoyce/taskpool/internal/log"
)

func TestMain(m *testing.M) {
	// bench tests without --in-process re-execute this test binary.
	if !taskpool.IsCoordinator() {
		os.Exit(runWorker(os.Args[1:]))
	}
	log.Setup("ERROR", "json") // Suppress logs in tests
	os.Exit(m.Run())
}

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	// Drain while running so large output can't fill the pipes.
	stdoutCh := make(chan []byte, 1)
	stderrCh := make(chan []byte, 1)
	go func() { b, _ := io.ReadAll(stdoutR); stdoutCh <- b }()
	go func() { b, _ := io.ReadAll(stderrR); stderrCh <- b }()

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes := <-stdoutCh
	stderrBytes := <-stderrCh
	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion := version
	origCommit := gitCommit
	origBuildDate := buildDate

	version = v
	gitCommit = commit
	buildDate = built

	t.Cleanup(func() {
		version = origVersion
		gitCommit = origCommit
		buildDate = origBuildDate
	})
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunVersionText(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "0123456789abcdef0123", "2026-03-04T05:06:07+02:00")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"version"})
	})
	if code != 0 {
		t.Fatalf("runCLI(version) code = %d, stderr: %s", code, stderr)
	}
	for _, want := range []string{"fibpool 1.2.3", "commit: 0123456789ab", "built_at: 2026-03-04T03:06:07Z"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("stdout missing %q: %s", want, stdout)
		}
	}
}

func TestRunVersionJSON(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "abc123", "not-a-time")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"--version", "--json"})
	})
	if code != 0 {
		t.Fatalf("runCLI(--version --json) code = %d, stderr: %s", code, stderr)
	}

	var info versionInfo
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("invalid JSON %q: %v", stdout, err)
	}
	if info.Version != "1.2.3" || info.Commit != "abc123" {
		t.Fatalf("unexpected version info: %+v", info)
	}
	if info.BuildTime != "unknown" {
		t.Fatalf("BuildTime = %q, want unknown", info.BuildTime)
	}
}

func TestRunVersionRejectsArgs(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"version", "extra"})
	})
	if code != 1 {
		t.Fatalf("code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Usage: fibpool version") {
		t.Fatalf("stderr missing usage: %s", stderr)
	}
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"frobnicate"})
	})
	if code != 1 {
		t.Fatalf("code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Unknown command: frobnicate") {
		t.Fatalf("stderr = %q", stderr)
	}
	if !strings.Contains(stdout, "Usage:") {
		t.Fatalf("stdout missing usage: %s", stdout)
	}
}

func TestRunCLIHelp(t *testing.T) {
	for _, arg := range []string{"help", "--help", "-h"} {
		code, stdout, _ := captureOutputWithExitCode(t, func() int {
			return runCLI([]string{arg})
		})
		if code != 0 {
			t.Fatalf("runCLI(%s) code = %d", arg, code)
		}
		if !strings.Contains(stdout, "fibpool <command>") {
			t.Fatalf("runCLI(%s) stdout = %s", arg, stdout)
		}
	}

	code, _, _ := captureOutputWithExitCode(t, func() int { return runCLI(nil) })
	if code != 1 {
		t.Fatalf("runCLI(nil) code = %d, want 1", code)
	}
}

func TestRunCheck(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
service:
  log_level: warn
queue:
  name: fib
  workers: 3
api:
  enabled: true
  listen: 127.0.0.1:9090
  token: secret
`)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"check", "--config", path})
	})
	if code != 0 {
		t.Fatalf("check code = %d, stderr: %s", code, stderr)
	}
	for _, want := range []string{"Configuration valid", "fingerprint: ", "queue: fib (3 workers", "auth on"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("stdout missing %q: %s", want, stdout)
		}
	}

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"check", "--config", dir, "--json"})
	})
	if code != 0 {
		t.Fatalf("check --json code = %d", code)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("invalid JSON %q: %v", stdout, err)
	}
	if out["valid"] != true || out["queue"] != "fib" {
		t.Fatalf("unexpected check output: %v", out)
	}
	want, err := config.ComputeBlake3Hash(path)
	if err != nil {
		t.Fatal(err)
	}
	if out["fingerprint"] != want {
		t.Fatalf("fingerprint = %v, want %s", out["fingerprint"], want)
	}
}

func TestRunCheckInvalid(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "service:\n  log_level: loud\n")

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"check", "--config", path})
	})
	if code != 1 {
		t.Fatalf("code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "service.log_level") {
		t.Fatalf("stderr = %q", stderr)
	}

	code, _, _ = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"check"})
	})
	if code != 1 {
		t.Fatalf("check without --config code = %d, want 1", code)
	}
}

func TestFibonacci(t *testing.T) {
	cases := map[int]uint64{0: 0, 1: 1, 2: 1, 10: 55, 20: 6765, 30: 832040}
	for n, want := range cases {
		if got := fibonacci(n); got != want {
			t.Errorf("fibonacci(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestFibCallbackRejectsOutOfRange(t *testing.T) {
	for _, n := range []int{-1, maxFibN + 1} {
		if _, err := fibCallback(context.Background(), fibRequest{N: n}); err == nil {
			t.Errorf("fibCallback(%d) succeeded, want error", n)
		}
	}

	res, err := fibCallback(context.Background(), fibRequest{N: 12})
	if err != nil {
		t.Fatalf("fibCallback(12): %v", err)
	}
	if res.N != 12 || res.Value != 144 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRunBenchInProcessJSON(t *testing.T) {
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"bench", "-n", "15", "--tasks", "3", "--workers", "2", "--in-process", "--json"})
	})
	if code != 0 {
		t.Fatalf("bench code = %d, stderr: %s", code, stderr)
	}

	var report benchReport
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("invalid JSON %q: %v", stdout, err)
	}
	if report.N != 15 || report.Workers != 2 || len(report.Tasks) != 3 {
		t.Fatalf("unexpected report: %+v", report)
	}
	for _, task := range report.Tasks {
		if task.Error != "" || task.Value != 610 {
			t.Fatalf("unexpected task: %+v", task)
		}
	}
}

func TestRunBenchRejectsBadFlags(t *testing.T) {
	for _, args := range [][]string{
		{"bench", "-n", "93"},
		{"bench", "--tasks", "0"},
		{"bench", "--bogus"},
	} {
		code, _, _ := captureOutputWithExitCode(t, func() int { return runCLI(args) })
		if code != 1 {
			t.Errorf("runCLI(%v) code = %d, want 1", args, code)
		}
	}
}

func TestBenchWorkerProcesses(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns worker processes")
	}

	cfg := config.Defaults()
	cfg.Service.LogLevel = "error"
	cfg.Queue.Name = "fib-renamed"
	cfg.Queue.Workers = 2
	cfg.Queue.PollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report, err := bench(ctx, cfg, 20, 4, false)
	if err != nil {
		t.Fatalf("bench: %v", err)
	}
	for _, task := range report.Tasks {
		if task.Error != "" || task.Value != 6765 {
			t.Fatalf("unexpected task: %+v", task)
		}
	}
}

func TestWorkerRefusesForeignQueue(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns worker processes")
	}

	var fatal error
	q, err := taskpool.New(taskpool.Options[fibRequest, fibResult]{
		Name:         "payments",
		Workers:      1,
		PollInterval: 10 * time.Millisecond,
		WorkerArgs:   []string{"--log-level", "error"},
		Callback: func(context.Context, fibRequest) (fibResult, error) {
			return fibResult{Value: 999}, nil
		},
		Fatal: func(err error) { fatal = err },
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err = q.Start(ctx)
	if err == nil {
		_ = q.Close(ctx)
		t.Fatal("Start succeeded, want the fibonacci worker to refuse queue payments")
	}
	if fatal == nil {
		t.Fatal("fatal handler not called")
	}
}

func seedHistory(t *testing.T, path string) {
	t.Helper()
	ctx := context.Background()
	store, err := history.Open(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	now := time.Now().UTC()
	records := []history.Record{
		{TaskID: "old", Queue: "fibonacci", WorkerID: 1, Status: history.StatusSucceeded, CompletedAt: now.Add(-48 * time.Hour)},
		{TaskID: "ok", Queue: "fibonacci", WorkerID: 2, Status: history.StatusSucceeded, CompletedAt: now.Add(-time.Minute)},
		{TaskID: "bad", Queue: "fibonacci", WorkerID: 1, Status: history.StatusFailed, Error: "n must be between 0 and 92, got 93", CompletedAt: now},
		{TaskID: "other", Queue: "squares", Status: history.StatusSucceeded, CompletedAt: now},
	}
	for _, rec := range records {
		if err := store.Record(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRunHistory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "history.db")
	seedHistory(t, dbPath)
	cfgPath := writeConfig(t, dir, "history:\n  enabled: true\n  path: "+dbPath+"\n")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"history", "list", "--config", cfgPath, "--json"})
	})
	if code != 0 {
		t.Fatalf("history list code = %d, stderr: %s", code, stderr)
	}
	var records []history.Record
	if err := json.Unmarshal([]byte(stdout), &records); err != nil {
		t.Fatalf("invalid JSON %q: %v", stdout, err)
	}
	if len(records) != 3 || records[0].TaskID != "bad" {
		t.Fatalf("unexpected records: %+v", records)
	}

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"history", "list", "--db", dbPath, "--queue", "squares"})
	})
	if code != 0 || !strings.Contains(stdout, "other") || strings.Contains(stdout, "bad") {
		t.Fatalf("history list --queue squares code = %d, stdout: %s", code, stdout)
	}

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"history", "summary", "--config", cfgPath})
	})
	if code != 0 || !strings.Contains(stdout, "succeeded: 2") || !strings.Contains(stdout, "failed: 1") {
		t.Fatalf("history summary code = %d, stdout: %s", code, stdout)
	}

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"history", "prune", "--config", cfgPath, "--older-than", "24h"})
	})
	if code != 0 || !strings.Contains(stdout, "Pruned 1 records") {
		t.Fatalf("history prune code = %d, stdout: %s", code, stdout)
	}
}

func TestRunHistoryErrors(t *testing.T) {
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"history", "--help"})
	})
	if code != 0 || !strings.Contains(stdout, "Usage: fibpool history") {
		t.Fatalf("history --help code = %d, stdout: %s", code, stdout)
	}

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"history", "list", "--db", filepath.Join(t.TempDir(), "missing.db")})
	})
	if code != 1 || !strings.Contains(stderr, "History database unavailable") {
		t.Fatalf("missing db code = %d, stderr: %s", code, stderr)
	}

	dbPath := filepath.Join(t.TempDir(), "history.db")
	seedHistory(t, dbPath)
	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"history", "rewind", "--db", dbPath})
	})
	if code != 1 || !strings.Contains(stderr, "Unknown history action") {
		t.Fatalf("unknown action code = %d, stderr: %s", code, stderr)
	}
}

func TestServiceServesTasksAndHistory(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Queue.Workers = 2
	cfg.Queue.PollInterval = 10 * time.Millisecond
	cfg.API.Enabled = true
	cfg.API.Listen = "127.0.0.1:0"
	cfg.API.Token = "tok"
	cfg.History.Enabled = true
	cfg.History.Path = filepath.Join(dir, "history.db")

	svc, err := newService(cfg, true)
	if err != nil {
		t.Fatalf("newService: %v", err)
	}

	// A second service would share the journal; the lock refuses it.
	if _, err := newService(cfg, true); err == nil {
		t.Fatal("second newService succeeded, want lock error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.run(ctx) }()

	srv := httptest.NewServer(svc.api.Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/tasks", strings.NewReader(`{"payload":{"n":10}}`))
	req.Header.Set("Authorization", "Bearer tok")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var submitted api.SubmitResponse
	err = json.NewDecoder(resp.Body).Decode(&submitted)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if submitted.Status != api.StatusSucceeded {
		t.Fatalf("unexpected submit response: %+v", submitted)
	}
	var res fibResult
	if err := json.Unmarshal(submitted.Result, &res); err != nil || res.Value != 55 {
		t.Fatalf("unexpected result %s: %v", submitted.Result, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/history/"+submitted.TaskID, nil)
		req.Header.Set("Authorization", "Bearer tok")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s never reached history (last status %d)", submitted.TaskID, resp.StatusCode)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("service did not stop")
	}

	l, err := lock.Acquire(filepath.Join(dir, "fibpool.lock"))
	if err != nil {
		t.Fatalf("lock not released: %v", err)
	}
	_ = l.Release()
}

func TestServiceJournalsTasksSettledDuringShutdown(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Queue.Workers = 1
	cfg.Queue.PollInterval = 10 * time.Millisecond
	cfg.History.Enabled = true
	cfg.History.Path = filepath.Join(dir, "history.db")

	svc, err := newService(cfg, true)
	if err != nil {
		t.Fatalf("newService: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.run(ctx) }()

	running := svc.queue.Submit(fibRequest{N: 36})
	pending := svc.queue.Submit(fibRequest{N: 1})

	deadline := time.Now().Add(5 * time.Second)
	for svc.queue.Stats().Busy() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first task never started")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("service did not stop")
	}

	if _, err := running.Wait(context.Background()); err != nil {
		t.Fatalf("running task: %v", err)
	}
	<-pending.Done()

	store, err := history.Open(context.Background(), cfg.History.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	records, err := store.Recent(context.Background(), cfg.Queue.Name, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("journaled %d records, want 2: %+v", len(records), records)
	}
}
