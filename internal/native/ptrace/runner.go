//go:build linux && amd64

package ptrace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/eigerco/vmprotect/internal/packer"
	"github.com/eigerco/vmprotect/internal/store"
	"github.com/eigerco/vmprotect/internal/transition"
	"github.com/eigerco/vmprotect/pkg/log"
)

var ErrTrapLimit = errors.New("ptrace: trap limit reached")

// Runner starts a program under ptrace, splices trap stubs over its packed
// sites and serves every trap from the call site buffer, or from a store when
// one is attached. Threads the program clones are traced as well.
type Runner struct {
	buffer    []byte
	sites     packer.Sites
	store     *store.Store
	trapLimit int
	stdin     io.Reader
	stdout    io.Writer
	stderr    io.Writer
	logger    zerolog.Logger
}

type Option func(*Runner)

// WithTrapLimit stops the program after n handled traps, 0 for no limit
func WithTrapLimit(n int) Option {
	return func(r *Runner) {
		r.trapLimit = n
	}
}

// WithStore serves traps from the packed instructions of s instead of the call
// site buffer
func WithStore(s *store.Store) Option {
	return func(r *Runner) {
		r.store = s
	}
}

func WithStdio(stdin io.Reader, stdout, stderr io.Writer) Option {
	return func(r *Runner) {
		r.stdin, r.stdout, r.stderr = stdin, stdout, stderr
	}
}

func NewRunner(buffer []byte, sites packer.Sites, opts ...Option) *Runner {
	r := &Runner{
		buffer: buffer,
		sites:  sites,
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
		logger: log.Native,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes path with args until it exits and returns its exit code
func (r *Runner) Run(ctx context.Context, path string, args ...string) (int, error) {
	// every ptrace request must come from the thread that attached
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	cmd := exec.Command(path, args...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = r.stdin, r.stdout, r.stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}
	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("ptrace: start %s: %w", path, err)
	}
	pid := cmd.Process.Pid

	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return -1, fmt.Errorf("ptrace: wait for exec stop: %w", err)
	}
	if !ws.Stopped() {
		return -1, fmt.Errorf("ptrace: %s did not stop at exec", path)
	}
	if err := unix.PtraceSetOptions(pid, unix.PTRACE_O_EXITKILL|unix.PTRACE_O_TRACECLONE); err != nil {
		r.logger.Warn().Err(err).Msg("exit kill option unavailable")
		if err := unix.PtraceSetOptions(pid, unix.PTRACE_O_TRACECLONE); err != nil {
			_ = unix.Kill(pid, unix.SIGKILL)
			return -1, fmt.Errorf("ptrace: trace clones of %d: %w", pid, err)
		}
	}

	tracee := NewTracee(pid)
	base, err := moduleBase(pid)
	if err != nil {
		_ = unix.Kill(pid, unix.SIGKILL)
		return -1, err
	}
	if err := r.splice(tracee, base); err != nil {
		_ = unix.Kill(pid, unix.SIGKILL)
		return -1, err
	}
	r.logger.Info().Int("pid", pid).Uint64("base", base).Int("sites", len(r.sites)).Bool("store", r.store != nil).Msg("tracee started")

	return r.loop(ctx, tracee, base)
}

func (r *Runner) splice(t *Tracee, base uint64) error {
	for _, site := range r.sites {
		if err := t.Write(base+site.Location, packer.Stub(int(site.Length))); err != nil {
			return fmt.Errorf("ptrace: splice site %#x: %w", site.Location, err)
		}
	}
	return nil
}

// thread a traced thread of the program with its own episode engine
type thread struct {
	tracee  *Tracee
	engine  *transition.Engine
	started bool // initial SIGSTOP of a cloned thread consumed
}

func (r *Runner) newThread(t *Tracee, base uint64, started bool) *thread {
	logger := r.logger.With().Int("tid", t.Pid()).Logger()
	engine := transition.NewEngine(t, t, transition.NewResolver(base, t)).WithLogger(logger)
	return &thread{tracee: t, engine: engine, started: started}
}

func (r *Runner) loop(ctx context.Context, main *Tracee, base uint64) (int, error) {
	pid := main.Pid()
	threads := map[int]*thread{pid: r.newThread(main, base, true)}
	kill := func() { _ = unix.Kill(pid, unix.SIGKILL) }

	tid, signal, resume, traps := pid, 0, true, 0
	for {
		if resume {
			if err := unix.PtraceCont(tid, signal); err != nil && (tid == pid || !errors.Is(err, unix.ESRCH)) {
				kill()
				return -1, fmt.Errorf("ptrace: continue %d: %w", tid, err)
			}
		}
		signal, resume = 0, true

		var ws unix.WaitStatus
		wpid, err := unix.Wait4(-1, &ws, unix.WALL, nil)
		if err != nil {
			kill()
			return -1, fmt.Errorf("ptrace: wait %d: %w", pid, err)
		}
		tid = wpid
		switch {
		case ws.Exited() && tid == pid:
			r.logger.Info().Int("pid", pid).Int("code", ws.ExitStatus()).Int("traps", traps).Msg("tracee exited")
			return ws.ExitStatus(), nil
		case ws.Signaled() && tid == pid:
			return -1, fmt.Errorf("ptrace: %d killed by %v", pid, ws.Signal())
		case ws.Exited(), ws.Signaled():
			delete(threads, tid)
			resume = false
			continue
		case !ws.Stopped():
			resume = false
			continue
		}

		if ctx.Err() != nil {
			kill()
			return -1, ctx.Err()
		}

		th := threads[tid]
		switch {
		case ws.TrapCause() == unix.PTRACE_EVENT_CLONE:
			child, err := unix.PtraceGetEventMsg(tid)
			if err != nil {
				kill()
				return -1, fmt.Errorf("ptrace: clone event of %d: %w", tid, err)
			}
			if _, ok := threads[int(child)]; !ok {
				threads[int(child)] = r.newThread(NewTracee(int(child)), base, false)
			}
			r.logger.Debug().Int("tid", int(child)).Int("parent", tid).Msg("thread cloned")
			continue
		case th == nil && ws.StopSignal() == unix.SIGSTOP:
			// the new thread stopped before its parent reported the clone
			threads[tid] = r.newThread(NewTracee(tid), base, true)
			continue
		case th != nil && !th.started && ws.StopSignal() == unix.SIGSTOP:
			th.started = true
			continue
		case ws.StopSignal() != unix.SIGTRAP:
			signal = int(ws.StopSignal())
			continue
		case th == nil:
			th = r.newThread(NewTracee(tid), base, true)
			threads[tid] = th
		}

		handled, err := r.trap(th, base)
		if err != nil {
			kill()
			return -1, err
		}
		if !handled {
			signal = int(unix.SIGTRAP)
			continue
		}
		traps++
		if r.trapLimit > 0 && traps >= r.trapLimit {
			kill()
			return -1, fmt.Errorf("%w after %d traps", ErrTrapLimit, traps)
		}
	}
}

// trap serves an INT3 stop; false means the trap is not one of ours
func (r *Runner) trap(th *thread, base uint64) (bool, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(th.tracee.Pid(), &regs); err != nil {
		return false, fmt.Errorf("ptrace: get regs: %w", err)
	}
	addr := regs.Rip - 1
	if addr < base {
		return false, nil
	}
	site, ok := r.sites.Lookup(addr - base)
	if !ok {
		return false, nil
	}

	th.tracee.SetResume(base + site.End())
	r.logger.Debug().Int("tid", th.tracee.Pid()).Uint64("site", site.Location).Uint32("index", site.Index).Msg("trap")

	var err error
	if r.store != nil {
		err = th.engine.RunFetched(r.store, site.Location)
	} else {
		err = th.engine.Run(r.buffer, int(site.Index))
	}
	if err != nil {
		return true, fmt.Errorf("ptrace: site %#x: %w", site.Location, err)
	}
	return true, nil
}

// moduleBase load address of the main executable of pid
func moduleBase(pid int) (uint64, error) {
	exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return 0, fmt.Errorf("ptrace: executable of %d: %w", pid, err)
	}
	maps, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return 0, fmt.Errorf("ptrace: maps of %d: %w", pid, err)
	}
	defer maps.Close() //nolint:errcheck
	return mappingBase(maps, exe)
}
