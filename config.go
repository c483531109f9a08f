package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const secretBytes = 32

var (
	errInvalidContextSize = errors.New("n_context must be an integer")
	errEmptySecret        = errors.New("secret url file is empty")
	errSecretNoSlash      = errors.New("secret url must start with /")
)

// options holds startup parameters as the operator wrote them, before
// resolution. Keys match the command line flags.
type options struct {
	NContext      string        `yaml:"n_context"`
	Log           bool          `yaml:"log"`
	MockModel     bool          `yaml:"mock_model"`
	Python        string        `yaml:"python"`
	Worker        string        `yaml:"worker"`
	PrintCommand  bool          `yaml:"print_command"`
	SecretURLFile string        `yaml:"secret_url_file"`
	Addr          string        `yaml:"addr"`
	Page          string        `yaml:"page"`
	Origin        string        `yaml:"origin"`
	MetricsTick   time.Duration `yaml:"metrics_tick"`
	StopTimeout   time.Duration `yaml:"stop_timeout"`
	KillTimeout   time.Duration `yaml:"kill_timeout"`
	Debug         bool          `yaml:"debug"`
}

func defaultOptions() options {
	return options{
		NContext:    "128",
		Python:      "python",
		Worker:      "worker.py",
		Addr:        "127.0.0.1:3000",
		Page:        "server_interface.html",
		MetricsTick: 60 * time.Second,
		StopTimeout: 10 * time.Second,
		KillTimeout: 1 * time.Second,
	}
}

// Config is the resolved startup configuration. It is computed once and
// never mutated afterwards.
type Config struct {
	ContextSize  int
	Log          bool
	MockModel    bool
	Python       string
	Worker       string
	PrintCommand bool
	SecretPath   string

	Addr        string
	Page        string
	Origin      string
	MetricsTick time.Duration
	StopTimeout time.Duration
	KillTimeout time.Duration
	Debug       bool
}

// loadOptions returns the defaults overlaid with the YAML file at path.
// An empty path yields the defaults.
func loadOptions(path string) (options, error) {
	o := defaultOptions()
	if path == "" {
		return o, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return o, fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &o); err != nil {
		return o, fmt.Errorf("config: parse yaml: %w", err)
	}
	return o, nil
}

func bindFlags(fs *pflag.FlagSet, o *options, configFile *string) {
	fs.StringVar(configFile, "config", "", "optional YAML file with the same keys as the flags")
	fs.StringVar(&o.NContext, "n_context", o.NContext, "number of tokens the worker keeps as context")
	fs.BoolVar(&o.Log, "log", o.Log, "ask the worker to log generated tokens")
	fs.BoolVar(&o.MockModel, "mock_model", o.MockModel, "ask the worker to use its mock model")
	fs.StringVar(&o.Python, "python", o.Python, "interpreter used to run the worker; empty disables spawning")
	fs.StringVar(&o.Worker, "worker", o.Worker, "worker script, relative to the executable's directory (the working directory under go run)")
	fs.BoolVar(&o.PrintCommand, "print_command", o.PrintCommand, "print the worker command instead of running it")
	fs.StringVar(&o.SecretURLFile, "secret_url_file", o.SecretURLFile, "read the secret path from this file instead of generating one")
	fs.StringVar(&o.Addr, "addr", o.Addr, "http service address")
	fs.StringVar(&o.Page, "page", o.Page, "page template served at /")
	fs.StringVar(&o.Origin, "origin", o.Origin, "websocket server checks Origin headers against this scheme://host[:port]")
	fs.DurationVar(&o.MetricsTick, "metrics_tick", o.MetricsTick, "metrics: duration between reports, 0 disables")
	fs.DurationVar(&o.StopTimeout, "stop_timeout", o.StopTimeout, "stop timeout")
	fs.DurationVar(&o.KillTimeout, "kill_timeout", o.KillTimeout, "kill timeout")
	fs.BoolVar(&o.Debug, "debug", o.Debug, "debug logging")
}

// mergeFlags copies every flag the operator set explicitly from src into dst,
// so flags win over the config file and the file wins over defaults.
func mergeFlags(dst *options, src options, fs *pflag.FlagSet) {
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "n_context":
			dst.NContext = src.NContext
		case "log":
			dst.Log = src.Log
		case "mock_model":
			dst.MockModel = src.MockModel
		case "python":
			dst.Python = src.Python
		case "worker":
			dst.Worker = src.Worker
		case "print_command":
			dst.PrintCommand = src.PrintCommand
		case "secret_url_file":
			dst.SecretURLFile = src.SecretURLFile
		case "addr":
			dst.Addr = src.Addr
		case "page":
			dst.Page = src.Page
		case "origin":
			dst.Origin = src.Origin
		case "metrics_tick":
			dst.MetricsTick = src.MetricsTick
		case "stop_timeout":
			dst.StopTimeout = src.StopTimeout
		case "kill_timeout":
			dst.KillTimeout = src.KillTimeout
		case "debug":
			dst.Debug = src.Debug
		}
	})
}

// resolve turns raw options into a Config. The secret path is read from
// o.SecretURLFile when set, otherwise generated from rnd.
func resolve(o options, rnd io.Reader) (*Config, error) {
	n, err := parseContextSize(o.NContext)
	if err != nil {
		return nil, err
	}
	if err := validate(o); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	var secret string
	if o.SecretURLFile != "" {
		secret, err = readSecretPath(o.SecretURLFile)
	} else {
		secret, err = generateSecretPath(rnd)
	}
	if err != nil {
		return nil, err
	}

	return &Config{
		ContextSize:  n,
		Log:          o.Log,
		MockModel:    o.MockModel,
		Python:       strings.TrimSpace(o.Python),
		Worker:       o.Worker,
		PrintCommand: o.PrintCommand,
		SecretPath:   secret,
		Addr:         o.Addr,
		Page:         o.Page,
		Origin:       o.Origin,
		MetricsTick:  o.MetricsTick,
		StopTimeout:  o.StopTimeout,
		KillTimeout:  o.KillTimeout,
		Debug:        o.Debug,
	}, nil
}

func validate(o options) error {
	if o.Addr == "" {
		return errors.New("addr must not be empty")
	}
	if o.Worker == "" {
		return errors.New("worker must not be empty")
	}
	if o.MetricsTick < 0 || o.StopTimeout < 0 || o.KillTimeout < 0 {
		return errors.New("durations must not be negative")
	}
	return nil
}

func parseContextSize(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", errInvalidContextSize, s)
	}
	return n, nil
}

func readSecretPath(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("secret url file: %w", err)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", fmt.Errorf("%w: %s", errEmptySecret, path)
	}
	if !strings.HasPrefix(secret, "/") {
		return "", fmt.Errorf("%w: %s", errSecretNoSlash, path)
	}
	return secret, nil
}

func generateSecretPath(rnd io.Reader) (string, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	b := make([]byte, secretBytes)
	if _, err := io.ReadFull(rnd, b); err != nil {
		return "", fmt.Errorf("generate secret url: %w", err)
	}
	return "/" + hex.EncodeToString(b), nil
}
