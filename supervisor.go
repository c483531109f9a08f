package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

type supervisorState int

const (
	stateIdle supervisorState = iota
	stateSpawned
	stateExited
	stateDisabled
	stateDryRun
)

func (s supervisorState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateSpawned:
		return "spawned"
	case stateExited:
		return "exited"
	case stateDisabled:
		return "disabled"
	case stateDryRun:
		return "dry-run"
	}
	return fmt.Sprintf("supervisorState(%d)", int(s))
}

var errAlreadyStarted = errors.New("supervisor already started")

// workerEnv is overlaid on the inherited environment of the worker.
type workerEnv struct {
	ContextSize int
	Log         bool
	MockModel   bool
	SecretURL   string
}

func (e workerEnv) vars() []string {
	return []string{
		"N_CONTEXT=" + fmt.Sprint(e.ContextSize),
		"LOG=" + flag1(e.Log),
		"MOCK_MODEL=" + flag1(e.MockModel),
		"SECRET_URL=" + e.SecretURL,
	}
}

func flag1(b bool) string {
	if b {
		return "1"
	}
	return ""
}

// workerExit reports how the worker ended. Code is -1 when the process was
// killed by a signal or never produced a status.
type workerExit struct {
	Code int
	Err  error
}

func exitOf(err error) workerExit {
	if err == nil {
		return workerExit{}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return workerExit{Code: ee.ExitCode(), Err: err}
	}
	return workerExit{Code: -1, Err: err}
}

func (e workerExit) err() error {
	switch {
	case e.Code == 0 && e.Err == nil:
		return nil
	case e.Err != nil:
		return fmt.Errorf("worker exited with status %d: %w", e.Code, e.Err)
	default:
		return fmt.Errorf("worker exited with status %d", e.Code)
	}
}

type workerSpec struct {
	Argv []string
	Dir  string
	Env  []string
}

type process interface {
	Wait() error
	Signal(os.Signal) error
	Pid() int
}

type spawnFunc func(workerSpec) (process, error)

type execProcess struct {
	cmd *exec.Cmd
}

func (p execProcess) Wait() error { return p.cmd.Wait() }
func (p execProcess) Pid() int    { return p.cmd.Process.Pid }

func (p execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }

func execSpawn(spec workerSpec) (process, error) {
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return execProcess{cmd: cmd}, nil
}

// supervisor runs the worker at most once and reports its exit. It never
// restarts the worker.
type supervisor struct {
	python string
	worker string
	dir    string
	dryRun bool
	spawn  spawnFunc
	out    io.Writer
	log    zerolog.Logger

	mu    sync.Mutex
	state supervisorState
	proc  process
	exit  chan workerExit
}

func newSupervisor(cfg *Config, dir string, out io.Writer, log zerolog.Logger) *supervisor {
	return &supervisor{
		python: cfg.Python,
		worker: cfg.Worker,
		dir:    dir,
		dryRun: cfg.PrintCommand,
		spawn:  execSpawn,
		out:    out,
		log:    log,
	}
}

func (s *supervisor) argv() []string {
	script := s.worker
	if !filepath.IsAbs(script) {
		script = filepath.Join(s.dir, script)
	}
	return append(strings.Fields(s.python), script)
}

// start moves the supervisor out of idle: to disabled when no interpreter
// is configured, to dry-run when only printing, otherwise to spawned.
func (s *supervisor) start(env workerEnv) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateIdle {
		return errAlreadyStarted
	}
	if s.python == "" {
		s.state = stateDisabled
		s.log.Info().Msg("not spawning worker: no --python")
		return nil
	}
	if s.dryRun {
		s.state = stateDryRun
		fmt.Fprintf(s.out, "\n%s %s %s\n", strings.Join(env.vars(), " "), s.python, s.worker)
		return nil
	}

	spec := workerSpec{
		Argv: s.argv(),
		Dir:  s.dir,
		Env:  append(os.Environ(), env.vars()...),
	}
	p, err := s.spawn(spec)
	if err != nil {
		return fmt.Errorf("spawn worker: %w", err)
	}
	s.state = stateSpawned
	s.proc = p
	s.exit = make(chan workerExit, 1)
	s.log.Info().Int("pid", p.Pid()).Strs("argv", spec.Argv).Msg("spawned worker")
	go s.wait(p)
	return nil
}

func (s *supervisor) wait(p process) {
	exit := exitOf(p.Wait())
	s.mu.Lock()
	s.state = stateExited
	s.mu.Unlock()
	s.log.Info().Int("status", exit.Code).Msg("worker exited")
	s.exit <- exit
}

// terminate sends SIGTERM to a running worker and waits up to grace for it
// to exit before killing it. It returns once the worker has been reaped.
// The exit is consumed here, so exited must not be read concurrently.
func (s *supervisor) terminate(grace time.Duration) (workerExit, bool) {
	s.mu.Lock()
	p, exit, state := s.proc, s.exit, s.state
	s.mu.Unlock()
	if state != stateSpawned {
		return workerExit{}, false
	}

	if err := p.Signal(syscall.SIGTERM); err != nil {
		s.log.Debug().Err(err).Msg("signal worker")
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case e := <-exit:
		return e, true
	case <-t.C:
	}

	s.log.Warn().Dur("grace", grace).Msg("worker still running, killing")
	if err := p.Signal(os.Kill); err != nil {
		s.log.Debug().Err(err).Msg("kill worker")
	}
	return <-exit, true
}

// exited delivers the worker's exit once. It is nil, and so blocks forever,
// unless a worker was spawned.
func (s *supervisor) exited() <-chan workerExit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exit
}

func (s *supervisor) current() supervisorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// installDir is the directory holding the running executable. A binary
// built into the temp dir by go run has no worker next to it, so the working
// directory is used instead.
func installDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	tmp := os.TempDir()
	if resolved, err := filepath.EvalSymlinks(tmp); err == nil {
		tmp = resolved
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return chooseInstallDir(exe, tmp, wd), nil
}

func chooseInstallDir(exe, tmp, wd string) string {
	dir := filepath.Dir(exe)
	if tmp == "" {
		return dir
	}
	rel, err := filepath.Rel(tmp, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return dir
	}
	return wd
}
