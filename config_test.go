package main

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestParseContextSize(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want int
		ok   bool
	}{
		{"128", 128, true},
		{" 64 ", 64, true},
		{"1", 1, true},
		{"0", 0, false},
		{"-3", 0, false},
		{"12abc", 0, false},
		{"abc", 0, false},
		{"", 0, false},
	} {
		got, err := parseContextSize(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("parseContextSize(%q): got %d, %v, want %d", tc.in, got, err, tc.want)
		}
		if !tc.ok && !errors.Is(err, errInvalidContextSize) {
			t.Errorf("parseContextSize(%q): got err %v, want errInvalidContextSize", tc.in, err)
		}
	}
}

func TestGenerateSecretPath(t *testing.T) {
	got, err := generateSecretPath(bytes.NewReader(bytes.Repeat([]byte{0xab}, secretBytes)))
	if err != nil {
		t.Fatalf("generateSecretPath: %v", err)
	}
	if want := "/" + strings.Repeat("ab", secretBytes); got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	a, err := generateSecretPath(rand.Reader)
	if err != nil {
		t.Fatalf("generateSecretPath: %v", err)
	}
	b, _ := generateSecretPath(rand.Reader)
	if len(a) != 1+2*secretBytes || a[0] != '/' {
		t.Errorf("malformed secret %q", a)
	}
	if _, err := hex.DecodeString(a[1:]); err != nil {
		t.Errorf("secret is not hex: %v", err)
	}
	if a == b {
		t.Error("two generated secrets are equal")
	}

	if _, err := generateSecretPath(bytes.NewReader([]byte{1, 2, 3})); err == nil {
		t.Error("expected error on short random source")
	}
}

func TestReadSecretPath(t *testing.T) {
	p := writeFile(t, "secret", "\n  /pre-shared-secret \n")
	got, err := readSecretPath(p)
	if err != nil {
		t.Fatalf("readSecretPath: %v", err)
	}
	if got != "/pre-shared-secret" {
		t.Errorf("got %q, want /pre-shared-secret", got)
	}

	if _, err := readSecretPath(writeFile(t, "empty", " \n")); !errors.Is(err, errEmptySecret) {
		t.Errorf("empty file: got %v, want errEmptySecret", err)
	}
	if _, err := readSecretPath(writeFile(t, "noslash", "abc")); !errors.Is(err, errSecretNoSlash) {
		t.Errorf("no slash: got %v, want errSecretNoSlash", err)
	}
	if _, err := readSecretPath(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("missing file: expected error")
	}
}

func TestResolve_Defaults(t *testing.T) {
	cfg, err := resolve(defaultOptions(), rand.Reader)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.ContextSize != 128 {
		t.Errorf("ContextSize: got %d, want 128", cfg.ContextSize)
	}
	if cfg.Python != "python" || cfg.Worker != "worker.py" {
		t.Errorf("worker: got %q %q", cfg.Python, cfg.Worker)
	}
	if cfg.Log || cfg.MockModel || cfg.PrintCommand {
		t.Errorf("flags should default to false: %+v", cfg)
	}
	if len(cfg.SecretPath) != 1+2*secretBytes {
		t.Errorf("SecretPath: got %q", cfg.SecretPath)
	}
}

func TestResolve_SecretFileIsDeterministic(t *testing.T) {
	o := defaultOptions()
	o.SecretURLFile = writeFile(t, "secret", "/shared\n")
	a, err := resolve(o, rand.Reader)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	b, _ := resolve(o, rand.Reader)
	if a.SecretPath != "/shared" || b.SecretPath != "/shared" {
		t.Errorf("got %q and %q, want /shared", a.SecretPath, b.SecretPath)
	}
}

func TestResolve_Errors(t *testing.T) {
	o := defaultOptions()
	o.NContext = "zero"
	if _, err := resolve(o, rand.Reader); !errors.Is(err, errInvalidContextSize) {
		t.Errorf("n_context: got %v, want errInvalidContextSize", err)
	}

	o = defaultOptions()
	o.Addr = ""
	if _, err := resolve(o, rand.Reader); err == nil {
		t.Error("empty addr: expected error")
	}

	o = defaultOptions()
	o.KillTimeout = -time.Second
	if _, err := resolve(o, rand.Reader); err == nil {
		t.Error("negative timeout: expected error")
	}
}

func TestResolve_TrimsPython(t *testing.T) {
	o := defaultOptions()
	o.Python = "   "
	cfg, err := resolve(o, rand.Reader)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Python != "" {
		t.Errorf("Python: got %q, want empty", cfg.Python)
	}
}

func TestLoadOptions_FileAndFlags(t *testing.T) {
	p := writeFile(t, "kydux.yaml", `n_context: "256"
python: ""
addr: "0.0.0.0:9000"
mock_model: true
metrics_tick: 5s
`)
	var flags options = defaultOptions()
	var configFile string
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	bindFlags(fs, &flags, &configFile)
	if err := fs.Parse([]string{"--config", p, "--addr", "127.0.0.1:0", "--log"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	o, err := loadOptions(configFile)
	if err != nil {
		t.Fatalf("loadOptions: %v", err)
	}
	mergeFlags(&o, flags, fs)

	if o.NContext != "256" {
		t.Errorf("n_context: got %q, want 256 from file", o.NContext)
	}
	if o.Python != "" {
		t.Errorf("python: got %q, want empty from file", o.Python)
	}
	if !o.MockModel {
		t.Error("mock_model: want true from file")
	}
	if o.MetricsTick != 5*time.Second {
		t.Errorf("metrics_tick: got %v, want 5s", o.MetricsTick)
	}
	if o.Addr != "127.0.0.1:0" {
		t.Errorf("addr: got %q, want flag value", o.Addr)
	}
	if !o.Log {
		t.Error("log: want true from flag")
	}
	if o.Page != "server_interface.html" {
		t.Errorf("page: got %q, want default", o.Page)
	}
}

func TestLoadOptions_NoFile(t *testing.T) {
	o, err := loadOptions("")
	if err != nil {
		t.Fatalf("loadOptions: %v", err)
	}
	if o != defaultOptions() {
		t.Errorf("got %+v, want defaults", o)
	}

	if _, err := loadOptions(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file: expected error")
	}
	if _, err := loadOptions(writeFile(t, "bad.yaml", "n_context: [")); err == nil {
		t.Error("bad yaml: expected error")
	}
}
