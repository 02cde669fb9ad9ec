package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t9md/hydrogen/internal/common/config"
	apperrors "github.com/t9md/hydrogen/internal/common/errors"
	"github.com/t9md/hydrogen/internal/common/logger"
	"github.com/t9md/hydrogen/internal/kernel/kernelspec"
)

// Local launches kernels as child processes of this daemon.
type Local struct {
	runtimeDir string
	ip         string
	logger     *logger.Logger
}

// NewLocal creates a supervisor writing connection files to cfg.RuntimeDir.
func NewLocal(cfg config.KernelConfig, log *logger.Logger) *Local {
	ip := cfg.IP
	if ip == "" {
		ip = "127.0.0.1"
	}
	return &Local{
		runtimeDir: cfg.RuntimeDir,
		ip:         ip,
		logger:     log.WithFields(zap.String("component", "kernel-supervisor")),
	}
}

// Launch implements Supervisor.
func (l *Local) Launch(ctx context.Context, spec kernelspec.Spec, opts LaunchOptions) (*Launched, error) {
	if err := spec.Validate(); err != nil {
		return nil, apperrors.Launch("invalid kernel spec", err)
	}

	conn, err := NewConnectionInfo(l.ip)
	if err != nil {
		return nil, apperrors.Launch("allocate ports", err)
	}
	conn.KernelName = spec.Name

	if err := os.MkdirAll(l.runtimeDir, 0o700); err != nil {
		return nil, apperrors.Launch("create runtime dir", err)
	}
	file := filepath.Join(l.runtimeDir, fmt.Sprintf("kernel-%s.json", uuid.New().String()))
	if err := WriteConnectionFile(file, conn); err != nil {
		return nil, apperrors.Launch("write connection file", err)
	}

	proc, err := l.spawn(ctx, spec, file, opts)
	if err != nil {
		_ = os.Remove(file)
		return nil, err
	}

	return &Launched{
		Connection:         conn,
		ConnectionFile:     file,
		Process:            proc,
		OwnsConnectionFile: true,
	}, nil
}

// Relaunch implements Supervisor.
func (l *Local) Relaunch(ctx context.Context, spec kernelspec.Spec, connectionFile string, opts LaunchOptions) (Process, error) {
	return l.spawn(ctx, spec, connectionFile, opts)
}

func (l *Local) spawn(ctx context.Context, spec kernelspec.Spec, connectionFile string, opts LaunchOptions) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Launch("launch cancelled", err)
	}

	argv := spec.Command(connectionFile)
	// exec.Command, not CommandContext: the process outlives the request
	// that started it and is stopped through Kill.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = opts.Cwd
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = buildSysProcAttr()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.Launch("create stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, apperrors.Launch("create stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, apperrors.Launch(fmt.Sprintf("start %s", argv[0]), err)
	}

	log := l.logger.WithFields(
		zap.String("kernel", spec.Name),
		zap.Int("pid", cmd.Process.Pid),
	)
	log.Info("kernel process started", zap.String("connection_file", connectionFile))

	p := &localProcess{cmd: cmd, exited: make(chan struct{}), logger: log}
	var pipes sync.WaitGroup
	pipes.Add(2)
	go p.pipeOutput(&pipes, "stdout", stdout)
	go p.pipeOutput(&pipes, "stderr", stderr)
	go p.monitorExit(&pipes)
	return p, nil
}

type localProcess struct {
	cmd    *exec.Cmd
	exited chan struct{}
	logger *logger.Logger

	mu     sync.Mutex
	killed bool
}

func (p *localProcess) Pid() int { return p.cmd.Process.Pid }

func (p *localProcess) Exited() <-chan struct{} { return p.exited }

func (p *localProcess) hasExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

func (p *localProcess) Interrupt() error {
	if p.hasExited() {
		return nil
	}
	return interruptProcess(p.cmd.Process)
}

func (p *localProcess) Kill() error {
	if p.hasExited() {
		return nil
	}
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	if err := p.cmd.Process.Kill(); err != nil && !p.hasExited() {
		return err
	}
	return nil
}

// pipeOutput logs each line the kernel writes.
func (p *localProcess) pipeOutput(wg *sync.WaitGroup, name string, r io.Reader) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.logger.Info(scanner.Text(), zap.String("stream", name))
	}
}

// monitorExit reaps the process once its output is drained.
func (p *localProcess) monitorExit(pipes *sync.WaitGroup) {
	pipes.Wait()
	err := p.cmd.Wait()

	p.mu.Lock()
	killed := p.killed
	p.mu.Unlock()

	code := p.cmd.ProcessState.ExitCode()
	switch {
	case killed:
		p.logger.Debug("kernel process killed", zap.Int("exit_code", code))
	case err != nil:
		p.logger.Error("kernel exited unexpectedly", zap.Error(err), zap.Int("exit_code", code))
	default:
		p.logger.Info("kernel exited", zap.Int("exit_code", code))
	}
	close(p.exited)
}
