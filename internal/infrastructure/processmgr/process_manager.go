package processmgr

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PortPlaceholder is replaced by the allocated port in every backend argument.
const PortPlaceholder = "{port}"

// Options configures how backends are spawned.
type Options struct {
	Command         []string      // argv template, argv[0] is the executable
	Host            string        // host probed for readiness; default 127.0.0.1
	ReadyTimeout    time.Duration // 0 skips the readiness probe
	RestartCooldown time.Duration // delay between restarts of a crashed backend; default 1s
	StopTimeout     time.Duration // SIGTERM grace before SIGKILL; default 3s
	LogLines        int           // stderr lines kept per port; default 500
}

func (o *Options) setDefaults() {
	if o.Host == "" {
		o.Host = "127.0.0.1"
	}
	if o.RestartCooldown <= 0 {
		o.RestartCooldown = time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 3 * time.Second
	}
	if o.LogLines <= 0 {
		o.LogLines = defaultLogLines
	}
}

// ProcessManager runs one supervised backend process per allocated port.
// It is safe for concurrent use.
//
// Process Lifecycle:
//   - Start(ctx, port): spawns a supervisor goroutine for the port and, when
//     a ready timeout is configured, waits until the port accepts TCP.
//   - Stop(ctx, port): signals the supervisor and waits for the process group
//     to exit (SIGTERM, then SIGKILL after StopTimeout).
//
// A crashed backend is restarted after RestartCooldown until Stop is called.
type ProcessManager struct {
	log  *zap.Logger
	env  []string
	opts Options

	mu         sync.RWMutex
	processes  map[int]*managedProcess // port -> running supervisor
	logBuffers map[int]*logBuffer      // port -> stderr tail
}

func NewProcessManager(log *zap.Logger, opts Options) (*ProcessManager, error) {
	if len(opts.Command) == 0 || opts.Command[0] == "" {
		return nil, errors.New("backend command is empty")
	}
	opts.setDefaults()

	return &ProcessManager{
		log:        log.Named("process-manager"),
		env:        append(os.Environ(), "ENV=prod"), // always prod (overwrite parent ENV=dev)
		opts:       opts,
		processes:  make(map[int]*managedProcess),
		logBuffers: make(map[int]*logBuffer),
	}, nil
}

// Start spawns the backend for port.
//
// Idempotent: no-op if a supervisor for port already exists.
// The log buffer of the port is cleared; output of a previous session is not
// visible to the next one.
func (mng *ProcessManager) Start(ctx context.Context, port int) error {
	mng.mu.Lock()
	if _, ok := mng.processes[port]; ok {
		mng.mu.Unlock()
		return nil
	}
	p := newManagedProcess(port, expandArgv(mng.opts.Command, port), mng.opts.RestartCooldown)
	mng.processes[port] = p

	logBuf, exists := mng.logBuffers[port]
	if !exists {
		logBuf = newLogBuffer(mng.opts.LogLines)
		mng.logBuffers[port] = logBuf
	}
	logBuf.Reset()
	mng.mu.Unlock()

	go mng.superviseProcess(p, logBuf)

	if mng.opts.ReadyTimeout <= 0 {
		return nil
	}

	addr := net.JoinHostPort(mng.opts.Host, strconv.Itoa(port))
	if err := waitReady(ctx, addr, mng.opts.ReadyTimeout); err != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mng.opts.StopTimeout+time.Second)
		defer cancel()
		_ = mng.Stop(stopCtx, port)
		return err
	}
	return nil
}

// Stop terminates the backend for port and waits for it to exit.
//
// Idempotent: no-op if no backend runs on port.
// The port is unregistered immediately, so a concurrent Start for the same
// port spawns a fresh supervisor.
func (mng *ProcessManager) Stop(ctx context.Context, port int) error {
	mng.mu.Lock()
	p, ok := mng.processes[port]
	if !ok {
		mng.mu.Unlock()
		return nil
	}
	delete(mng.processes, port)
	mng.mu.Unlock()

	p.cancel()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for backend on port %d: %w", port, ctx.Err())
	}
}

// GetLogs returns the last lines of stderr captured for port, newest first.
// lines <= 0 returns everything kept. Reports false if no backend ever ran on port.
func (mng *ProcessManager) GetLogs(port int, lines int) ([]string, bool) {
	mng.mu.RLock()
	buffer, exists := mng.logBuffers[port]
	mng.mu.RUnlock()

	if !exists {
		return nil, false
	}
	return buffer.Tail(lines), true
}

// Running returns the number of supervised backends.
func (mng *ProcessManager) Running() int {
	mng.mu.RLock()
	defer mng.mu.RUnlock()
	return len(mng.processes)
}

// superviseProcess runs the supervision loop for one backend:
//   - spawns the process and drains its stderr into logBuf
//   - restarts it after the cooldown when it exits on its own
//   - on cancellation sends SIGTERM to the process group, then SIGKILL after StopTimeout
func (mng *ProcessManager) superviseProcess(proc *managedProcess, logBuf *logBuffer) {
	defer close(proc.done)

	log := mng.log.With(zap.Int("port", proc.port), zap.Strings("argv", proc.argv))
	log.Info("supervisor started")

	env := append(mng.env[:len(mng.env):len(mng.env)], "PORT="+strconv.Itoa(proc.port))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-proc.ctx.Done():
			log.Info("supervisor shutdown during restart cooldown",
				zap.String("reason", proc.ctx.Err().Error()))
			return

		case <-timer.C:
			log.Info("spawning process")

			cmd := exec.Command(proc.argv[0], proc.argv[1:]...)
			cmd.SysProcAttr = sysProcAttr()
			cmd.Env = env

			stderrPipe, err := cmd.StderrPipe()
			if err != nil {
				log.Error("failed to create stderr pipe", zap.Error(err))
				timer.Reset(proc.restartCooldown)
				continue
			}

			if err := cmd.Start(); err != nil {
				log.Error("failed to spawn process", zap.Error(err))
				logBuf.Append(err.Error())
				timer.Reset(proc.restartCooldown)
				continue
			}

			pid := cmd.Process.Pid
			log.Info("process started", zap.Int("pid", pid))

			drained := make(chan struct{})
			go func() {
				defer close(drained)
				scanner := bufio.NewScanner(stderrPipe)
				scanner.Buffer(make([]byte, 64*1024), 1024*1024)
				for scanner.Scan() {
					logBuf.Append(scanner.Text())
				}
				if err := scanner.Err(); err != nil {
					logBuf.Append(err.Error())
				}
			}()

			// cmd.Wait closes the pipe, so the reader has to finish first.
			doneCh := make(chan error, 1)
			go func() {
				<-drained
				doneCh <- cmd.Wait()
			}()

			select {
			case err := <-doneCh:
				var exitErr *exec.ExitError
				switch {
				case errors.As(err, &exitErr):
					log.Warn("process exited abnormally", zap.Int("pid", pid), zap.Int("exit_code", exitErr.ExitCode()))
				case err != nil:
					log.Warn("process wait failed", zap.Int("pid", pid), zap.Error(err))
				default:
					log.Info("process exited normally", zap.Int("pid", pid))
				}
				timer.Reset(proc.restartCooldown)
				continue

			case <-proc.ctx.Done():
				mng.terminate(log, pid, doneCh)
				return
			}
		}
	}
}

// terminate sends SIGTERM to the process group and escalates to SIGKILL.
func (mng *ProcessManager) terminate(log *zap.Logger, pid int, doneCh <-chan error) {
	if err := signalTerm(pid); err != nil {
		log.Warn("SIGTERM failed", zap.Int("pid", pid), zap.Error(err))
	}

	t := time.NewTimer(mng.opts.StopTimeout)
	defer t.Stop()

	select {
	case err := <-doneCh:
		log.Info("process terminated", zap.Int("pid", pid), zap.NamedError("wait", err))

	case <-t.C:
		log.Warn("graceful shutdown timeout exceeded, sending SIGKILL",
			zap.Int("pid", pid), zap.Duration("timeout", mng.opts.StopTimeout))
		if err := signalKill(pid); err != nil {
			log.Error("SIGKILL failed", zap.Int("pid", pid), zap.Error(err))
		}
		err := <-doneCh
		log.Info("process forcefully terminated", zap.Int("pid", pid), zap.NamedError("wait", err))
	}
}

// managedProcess encapsulates supervision state for one backend port.
type managedProcess struct {
	port            int
	argv            []string
	restartCooldown time.Duration
	ctx             context.Context
	cancel          context.CancelFunc
	done            chan struct{} // closed when the supervisor returns
}

func newManagedProcess(port int, argv []string, restartCooldown time.Duration) *managedProcess {
	ctx, cancel := context.WithCancel(context.Background())
	return &managedProcess{
		port:            port,
		argv:            argv,
		restartCooldown: restartCooldown,
		ctx:             ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
	}
}

// expandArgv substitutes PortPlaceholder in every argument.
func expandArgv(tmpl []string, port int) []string {
	p := strconv.Itoa(port)
	argv := make([]string, len(tmpl))
	for i, arg := range tmpl {
		argv[i] = strings.ReplaceAll(arg, PortPlaceholder, p)
	}
	return argv
}

// waitReady dials addr until it accepts a connection or timeout elapses.
func waitReady(ctx context.Context, addr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("backend not ready at %s: %w", addr, ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
}
