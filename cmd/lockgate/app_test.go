package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"pkt.systems/lockgate"
	"pkt.systems/lockgate/internal/version"
	"pkt.systems/pslog"
)

func executeRootCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NoopLogger())
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if want := version.Module() + " " + version.Current() + "\n"; out != want {
		t.Fatalf("got %q want %q", out, want)
	}
	out, err = executeRootCommand(t, "version", "--short")
	if err != nil {
		t.Fatalf("version --short: %v", err)
	}
	if out != version.Current()+"\n" {
		t.Fatalf("unexpected short version %q", out)
	}
}

func TestRootHasSubcommands(t *testing.T) {
	root := newRootCommand(pslog.NoopLogger())
	for _, name := range []string{"controller", "capture", "config", "version"} {
		found := false
		for _, sub := range root.Commands() {
			if sub.Name() == name {
				found = true
			}
		}
		if !found {
			t.Fatalf("missing subcommand %q", name)
		}
	}
	if flag := root.PersistentFlags().ShorthandLookup("c"); flag == nil || flag.Name != "config" {
		t.Fatalf("expected -c shorthand for --config, got %#v", flag)
	}
}

func controllerCommandViper(t *testing.T, args ...string) (lockgate.Config, error) {
	t.Helper()
	root := newRootCommand(pslog.NoopLogger())
	ctrl, _, err := root.Find([]string{"controller"})
	if err != nil {
		t.Fatalf("find controller: %v", err)
	}
	if err := ctrl.ParseFlags(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	v, err := newViper(ctrl)
	if err != nil {
		t.Fatalf("viper: %v", err)
	}
	if _, err := loadConfigFile(v); err != nil {
		return lockgate.Config{}, err
	}
	return controllerConfig(v)
}

func TestControllerConfigDefaults(t *testing.T) {
	t.Setenv("LOCKGATE_CONFIG_DIR", t.TempDir())
	cfg, err := controllerCommandViper(t)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.Listen != lockgate.DefaultListen || cfg.Recognizer != lockgate.RecognizerDeny {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if !cfg.Audit || !cfg.OutputActiveLow {
		t.Fatal("expected audit and active-low to default on")
	}
	if cfg.MaxArtifactBytes != lockgate.DefaultMaxArtifactBytes || cfg.SpoolMemoryThreshold != lockgate.DefaultSpoolMemoryThreshold {
		t.Fatalf("humanized byte defaults did not round trip: %d %d", cfg.MaxArtifactBytes, cfg.SpoolMemoryThreshold)
	}
}

func TestControllerConfigFlagsEnvAndFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LOCKGATE_CONFIG_DIR", dir)
	cfgPath := filepath.Join(dir, "controller.yaml")
	if err := os.WriteFile(cfgPath, []byte("unlock-duration: 3s\noutput-pin: 17\nrecognizer: grant\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("LOCKGATE_OUTPUT_PIN", "22")
	cfg, err := controllerCommandViper(t, "--config", cfgPath, "--max-artifact-bytes", "2MB", "--recognizer", "deny")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.UnlockDuration != 3*time.Second {
		t.Fatalf("expected unlock duration from file, got %v", cfg.UnlockDuration)
	}
	if cfg.OutputPin != 22 {
		t.Fatalf("expected env to override file, got pin %d", cfg.OutputPin)
	}
	if cfg.Recognizer != lockgate.RecognizerDeny {
		t.Fatalf("expected flag to override file, got %q", cfg.Recognizer)
	}
	if cfg.MaxArtifactBytes != 2_000_000 {
		t.Fatalf("unexpected max artifact bytes %d", cfg.MaxArtifactBytes)
	}
}

func TestControllerConfigRejectsBadBytes(t *testing.T) {
	t.Setenv("LOCKGATE_CONFIG_DIR", t.TempDir())
	if _, err := controllerCommandViper(t, "--max-artifact-bytes", "lots"); err == nil || !strings.Contains(err.Error(), "max-artifact-bytes") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestExplicitMissingConfigFileFails(t *testing.T) {
	t.Setenv("LOCKGATE_CONFIG_DIR", t.TempDir())
	if _, err := controllerCommandViper(t, "--config", filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestCaptureRequiresCameraSource(t *testing.T) {
	t.Setenv("LOCKGATE_CONFIG_DIR", t.TempDir())
	_, err := executeRootCommand(t, "capture")
	if err == nil || !strings.Contains(err.Error(), "camera source") {
		t.Fatalf("expected camera source error, got %v", err)
	}
}

func TestConfigGenStdout(t *testing.T) {
	out, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("parse generated yaml: %v", err)
	}
	if doc["recognizer"] != lockgate.DefaultRecognizer || doc["output-pin"] != lockgate.DefaultOutputPin {
		t.Fatalf("unexpected generated config %v", doc)
	}

	out, err = executeRootCommand(t, "config", "gen", "--stdout", "--role", "capture")
	if err != nil {
		t.Fatalf("config gen capture: %v", err)
	}
	if !strings.Contains(out, "controller-address: "+lockgate.DefaultControllerAddress) {
		t.Fatalf("unexpected capture config %q", out)
	}
}

func TestConfigGenWritesOnce(t *testing.T) {
	target := filepath.Join(t.TempDir(), "cfg", "config.yaml")
	if _, err := executeRootCommand(t, "config", "gen", "--out", target); err != nil {
		t.Fatalf("config gen: %v", err)
	}
	info, err := os.Stat(target)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("unexpected mode %v", info.Mode())
	}
	if _, err := executeRootCommand(t, "config", "gen", "--out", target); err == nil {
		t.Fatal("expected refusal to overwrite")
	}
	if _, err := executeRootCommand(t, "config", "gen", "--out", target, "--force"); err != nil {
		t.Fatalf("forced config gen: %v", err)
	}
	if _, err := executeRootCommand(t, "config", "gen", "--out", target, "--stdout"); err == nil {
		t.Fatal("expected --out and --stdout to conflict")
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	got, err := expandPath("~/cfg.yaml")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got != filepath.Join(home, "cfg.yaml") {
		t.Fatalf("unexpected path %q", got)
	}
}

func TestVerifyStoreDisk(t *testing.T) {
	t.Setenv("LOCKGATE_CONFIG_DIR", t.TempDir())
	out, err := executeRootCommand(t, "verify", "store", "--store", "disk://"+t.TempDir())
	if err != nil {
		t.Fatalf("verify store: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Provider: disk") || !strings.Contains(out, "Storage verification succeeded.") {
		t.Fatalf("unexpected output %q", out)
	}
}
