package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/ByteMirror/agentfactory/config"
	"github.com/ByteMirror/agentfactory/log"
	"github.com/ByteMirror/agentfactory/store"
)

var (
	// ErrWorkerTimeout marks an execution killed for exceeding its timeout.
	ErrWorkerTimeout = errors.New("worker timed out")
	// ErrWorkerFailed marks an execution that could not start or exited nonzero.
	ErrWorkerFailed = errors.New("worker failed")
)

// outputTail is how much combined output is kept per execution.
const outputTail = 4 << 10

// Outcome is the classified result of one execution.
type Outcome struct {
	WorkerID  string
	Category  string
	Severity  int
	Status    store.WorkerStatus
	ExitCode  int
	StartedAt time.Time
	Duration  time.Duration
	Output    string
	Err       error
}

// Success reports whether the worker completed within its timeout.
func (o Outcome) Success() bool {
	return o.Status == store.StatusCompleted
}

// CountsAgainstBreaker reports whether the outcome is a breaker failure.
// Executions stopped by shutdown are not.
func (o Outcome) CountsAgainstBreaker() bool {
	return o.Status == store.StatusFailed || o.Status == store.StatusTimeout
}

// Executor runs worker commands as child processes, one process group each.
type Executor struct {
	store   *store.Store
	cfg     config.WorkerConfig
	backlog string
}

// NewExecutor creates an executor for the configured worker command.
// backlog is passed to workers in AGENTFACTORY_BACKLOG.
func NewExecutor(st *store.Store, cfg config.WorkerConfig, backlog string) *Executor {
	return &Executor{store: st, cfg: cfg, backlog: backlog}
}

func (e *Executor) command(rec *store.WorkerRecord) []string {
	argv := e.cfg.Command
	if e.cfg.EnforceMemoryLimit && rec.Limits.MemoryMB > 0 {
		script := fmt.Sprintf(`ulimit -v %d; exec "$0" "$@"`, rec.Limits.MemoryMB*1024)
		argv = append([]string{"/bin/sh", "-c", script}, argv...)
	}
	return argv
}

func (e *Executor) env(rec *store.WorkerRecord) []string {
	return append(os.Environ(),
		"AGENTFACTORY_WORKER_ID="+rec.ID,
		"AGENTFACTORY_CATEGORY="+rec.Category,
		"AGENTFACTORY_SEVERITY="+strconv.Itoa(rec.Severity),
		"AGENTFACTORY_MEMORY_MB="+strconv.Itoa(rec.Limits.MemoryMB),
		"AGENTFACTORY_CPU_SHARE="+strconv.Itoa(rec.Limits.CPUShare),
		"AGENTFACTORY_TIMEOUT_SECONDS="+strconv.Itoa(rec.Limits.TimeoutSeconds),
		"AGENTFACTORY_BACKLOG="+e.backlog,
	)
}

// Process is a started worker execution.
type Process struct {
	executor *Executor
	rec      store.WorkerRecord
	cmd      *exec.Cmd
	output   *tailBuffer
	started  time.Time
	done     chan error
}

// Start launches the worker and records it as running. The record moves
// through starting to running, or to failed when the process cannot start.
func (e *Executor) Start(ctx context.Context, rec *store.WorkerRecord) (*Process, error) {
	if len(e.cfg.Command) == 0 {
		return nil, fmt.Errorf("%w: no worker command configured", ErrWorkerFailed)
	}
	if err := e.store.SetStatus(ctx, rec.ID, store.StatusStarting); err != nil {
		return nil, err
	}

	argv := e.command(rec)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = e.env(rec)
	cmd.Dir = e.cfg.WorkDir
	output := newTailBuffer(outputTail)
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.WaitDelay = e.cfg.KillGrace
	setProcessGroup(cmd)

	started := time.Now()
	if err := cmd.Start(); err != nil {
		if updErr := e.store.UpdateWorker(context.WithoutCancel(ctx), rec.ID, func(w *store.WorkerRecord) {
			w.Status = store.StatusFailed
			w.ExitCode = -1
		}); updErr != nil {
			log.ErrorLog.Printf("worker %s: failed to record start failure: %v", rec.ID, updErr)
		}
		return nil, fmt.Errorf("%w: starting %s: %v", ErrWorkerFailed, argv[0], err)
	}

	if err := e.store.UpdateWorker(context.WithoutCancel(ctx), rec.ID, func(w *store.WorkerRecord) {
		w.Status = store.StatusRunning
		w.PID = cmd.Process.Pid
		w.Runs++
	}); err != nil {
		log.ErrorLog.Printf("worker %s: failed to record running state: %v", rec.ID, err)
	}
	log.InfoLog.Printf("worker %s (%s) started, pid %d, timeout %s", rec.ID, rec.Category, cmd.Process.Pid, rec.Limits.Timeout())

	p := &Process{
		executor: e,
		rec:      *rec,
		cmd:      cmd,
		output:   output,
		started:  started,
		done:     make(chan error, 1),
	}
	go func() { p.done <- cmd.Wait() }()
	return p, nil
}

// Wait blocks until the worker exits, its timeout elapses or ctx is
// cancelled, and records the final status. On timeout or cancellation the
// process group gets SIGTERM and, after the kill grace, SIGKILL.
func (p *Process) Wait(ctx context.Context) Outcome {
	timer := time.NewTimer(p.rec.Limits.Timeout())
	defer timer.Stop()

	out := Outcome{
		WorkerID:  p.rec.ID,
		Category:  p.rec.Category,
		Severity:  p.rec.Severity,
		StartedAt: p.started,
	}

	var waitErr error
	select {
	case waitErr = <-p.done:
		out.Status = store.StatusCompleted
		if waitErr != nil {
			out.Status = store.StatusFailed
		}
	case <-timer.C:
		out.Status = store.StatusTimeout
		waitErr = p.terminate()
	case <-ctx.Done():
		out.Status = store.StatusStopped
		waitErr = p.terminate()
	}
	out.Duration = time.Since(p.started)
	out.Output = p.output.String()
	out.ExitCode = exitCode(waitErr)

	switch out.Status {
	case store.StatusTimeout:
		out.Err = fmt.Errorf("%w: %s after %s", ErrWorkerTimeout, p.rec.ID, p.rec.Limits.Timeout())
		log.WarningLog.Printf("worker %s (%s) timed out after %s and was killed", p.rec.ID, p.rec.Category, p.rec.Limits.Timeout())
	case store.StatusFailed:
		out.Err = fmt.Errorf("%w: %s exited with code %d", ErrWorkerFailed, p.rec.ID, out.ExitCode)
		log.WarningLog.Printf("worker %s (%s) failed with exit code %d", p.rec.ID, p.rec.Category, out.ExitCode)
	case store.StatusStopped:
		log.InfoLog.Printf("worker %s (%s) stopped by shutdown", p.rec.ID, p.rec.Category)
	default:
		log.InfoLog.Printf("worker %s (%s) completed in %s", p.rec.ID, p.rec.Category, out.Duration.Round(time.Millisecond))
	}

	if err := p.executor.store.UpdateWorker(context.WithoutCancel(ctx), p.rec.ID, func(w *store.WorkerRecord) {
		w.Status = out.Status
		w.ExitCode = out.ExitCode
	}); err != nil {
		log.ErrorLog.Printf("worker %s: failed to record final status: %v", p.rec.ID, err)
	}
	return out
}

// terminate stops the process group and returns the Wait error.
func (p *Process) terminate() error {
	pid := p.cmd.Process.Pid
	if err := signalGroup(p.cmd, sigTerm); err != nil {
		log.DebugLog.Printf("worker %s: SIGTERM to group %d: %v", p.rec.ID, pid, err)
	}

	grace := p.executor.cfg.KillGrace
	select {
	case err := <-p.done:
		return err
	case <-time.After(grace):
	}

	log.WarningLog.Printf("worker %s: still alive after %s, sending SIGKILL", p.rec.ID, grace)
	if err := signalGroup(p.cmd, sigKill); err != nil {
		log.DebugLog.Printf("worker %s: SIGKILL to group %d: %v", p.rec.ID, pid, err)
	}
	return <-p.done
}

// Run starts the worker and waits for it.
func (e *Executor) Run(ctx context.Context, rec *store.WorkerRecord) (Outcome, error) {
	p, err := e.Start(ctx, rec)
	if err != nil {
		return Outcome{
			WorkerID:  rec.ID,
			Category:  rec.Category,
			Severity:  rec.Severity,
			Status:    store.StatusFailed,
			ExitCode:  -1,
			StartedAt: time.Now(),
			Err:       err,
		}, err
	}
	return p.Wait(ctx), nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
