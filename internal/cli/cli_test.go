package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/khanglvm/amas-engine/internal/config"
	"github.com/khanglvm/amas-engine/internal/storage"
)

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// isolate points config and database at a temp dir.
func isolate(t *testing.T) (cfgPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	cfgPath = filepath.Join(dir, "amas.json")
	dbPath = filepath.Join(dir, "engine.db")
	t.Setenv("AMAS_DB_PATH", dbPath)
	t.Setenv("AMAS_LOG_LEVEL", "error")
	return cfgPath, dbPath
}

func TestRootCommands(t *testing.T) {
	root := NewRootCmd()

	want := []string{"serve", "simulate", "queue", "decisions", "coldstart", "config", "version"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd == root {
			t.Errorf("command %q not registered", name)
		}
	}
	if cmd, _, _ := root.Find([]string{"benchmark"}); cmd == nil || cmd.Name() != "simulate" {
		t.Error("benchmark should alias simulate")
	}
}

func TestServeCommandHelp(t *testing.T) {
	out, err := execute(t, "serve", "--help")
	if err != nil {
		t.Fatalf("Execute() with --help failed: %v", err)
	}
	for _, s := range []string{"serve", "JSON-RPC", "--no-worker"} {
		if !strings.Contains(out, s) {
			t.Errorf("help output should contain %q", s)
		}
	}
}

func TestConfigInitAndShow(t *testing.T) {
	cfgPath, dbPath := isolate(t)

	out, err := execute(t, "--config", cfgPath, "config", "init")
	if err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	if !strings.Contains(out, cfgPath) {
		t.Errorf("init should report the path, got %q", out)
	}
	if _, err := config.LoadFrom(cfgPath); err != nil {
		t.Fatalf("written config should load: %v", err)
	}

	if _, err := execute(t, "--config", cfgPath, "config", "init"); err == nil {
		t.Error("second init without --force should fail")
	}
	if _, err := execute(t, "--config", cfgPath, "config", "init", "--force"); err != nil {
		t.Errorf("init --force failed: %v", err)
	}

	t.Setenv("AMAS_REDIS_PASSWORD", "hunter2")
	out, err = execute(t, "--config", cfgPath, "config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	var shown config.Config
	if err := json.Unmarshal([]byte(out), &shown); err != nil {
		t.Fatalf("show should print JSON: %v\n%s", err, out)
	}
	if shown.Storage.DBPath != dbPath {
		t.Errorf("show should include env overrides, got db %q", shown.Storage.DBPath)
	}
	if strings.Contains(out, "hunter2") {
		t.Error("show must not print the redis password")
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	cfgPath, _ := isolate(t)
	if err := os.WriteFile(cfgPath, []byte(`{"lock": {"backend": "carrier-pigeon", "timeoutMs": 100}}`), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := execute(t, "--config", cfgPath, "queue", "stats")
	if err == nil || !strings.Contains(err.Error(), "lock.backend") {
		t.Errorf("expected validation error naming lock.backend, got %v", err)
	}
}

func TestColdStartResetAndShow(t *testing.T) {
	cfgPath, _ := isolate(t)

	if _, err := execute(t, "--config", cfgPath, "coldstart", "reset", "u1"); err != nil {
		t.Fatalf("coldstart reset failed: %v", err)
	}

	out, err := execute(t, "--config", cfgPath, "coldstart", "show", "u1")
	if err != nil {
		t.Fatalf("coldstart show failed: %v", err)
	}
	var snap struct {
		UserID string `json:"userId"`
		Phase  string `json:"phase"`
	}
	if err := json.Unmarshal([]byte(out), &snap); err != nil {
		t.Fatalf("show should print JSON: %v", err)
	}
	if snap.UserID != "u1" || snap.Phase != "classify" {
		t.Errorf("unexpected snapshot %+v", snap)
	}

	if _, err := execute(t, "--config", cfgPath, "coldstart", "reset"); err == nil {
		t.Error("reset without a user should fail")
	}
}

func TestSimulateThenInspect(t *testing.T) {
	cfgPath, dbPath := isolate(t)

	out, err := execute(t, "--config", cfgPath, "simulate",
		"--db", dbPath, "--users", "3", "--events", "12", "--reward-every", "4", "--via-queue", "--json")
	if err != nil {
		t.Fatalf("simulate failed: %v", err)
	}
	var res struct {
		Events         int `json:"events"`
		DelayedRewards int `json:"delayedRewards"`
		RewardsApplied int `json:"rewardsApplied"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("simulate --json should print JSON: %v\n%s", err, out)
	}
	if res.Events != 36 || res.DelayedRewards != 9 || res.RewardsApplied != 9 {
		t.Errorf("unexpected simulation result %+v", res)
	}

	out, err = execute(t, "--config", cfgPath, "queue", "stats", "--json")
	if err != nil {
		t.Fatalf("queue stats failed: %v", err)
	}
	var stats map[storage.RewardStatus]int
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("queue stats --json should print JSON: %v", err)
	}
	if stats[storage.RewardDone] != 9 {
		t.Errorf("expected 9 done rewards, got %v", stats)
	}

	out, err = execute(t, "--config", cfgPath, "queue", "process", "--all")
	if err != nil {
		t.Fatalf("queue process failed: %v", err)
	}
	if !strings.Contains(out, "claimed 0") {
		t.Errorf("drained queue should claim nothing, got %q", out)
	}

	out, err = execute(t, "--config", cfgPath, "decisions", "export", "--limit", "100")
	if err != nil {
		t.Fatalf("decisions export failed: %v", err)
	}
	lines := 0
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var rec storage.DecisionRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("line %d is not a decision record: %v", lines, err)
		}
		lines++
	}
	if lines != 36 {
		t.Errorf("expected 36 recorded decisions, got %d", lines)
	}
}

func TestVersionJSON(t *testing.T) {
	out, err := execute(t, "version", "--json")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	var info struct {
		Version       string `json:"version"`
		FeatureSchema int    `json:"featureSchema"`
	}
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("version --json should print JSON: %v", err)
	}
	if info.Version == "" || info.FeatureSchema != 1 {
		t.Errorf("unexpected version info %+v", info)
	}
}
