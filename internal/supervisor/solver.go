package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"
)

const (
	// killGrace is how long a child gets between SIGTERM and SIGKILL.
	killGrace = 10 * time.Second
	// maxLineBytes bounds a single solver output line.
	maxLineBytes = 1 << 20
)

// lineFunc receives each solver output line. stream is "stdout" or "stderr".
type lineFunc func(stream, line string)

// solverProcess wraps the running solver child. The child gets its own
// process group so termination reaches grandchildren (MPI launchers, shells).
type solverProcess struct {
	cmd    *exec.Cmd
	done   chan error
	exited chan struct{}
	wg     sync.WaitGroup

	termOnce sync.Once
}

// startSolver launches argv[0] in workdir with the given extra environment,
// streaming output lines to onLine as they arrive.
func startSolver(argv []string, workdir string, extraEnv []string, onLine lineFunc) (*solverProcess, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(), extraEnv...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}

	p := &solverProcess{cmd: cmd, done: make(chan error, 1), exited: make(chan struct{})}
	p.wg.Add(2)
	go p.scan(stdout, "stdout", onLine)
	go p.scan(stderr, "stderr", onLine)
	go func() {
		// Drain both streams before Wait closes the pipes under the
		// scanners.
		p.wg.Wait()
		err := cmd.Wait()
		close(p.exited)
		p.done <- err
	}()
	return p, nil
}

func (p *solverProcess) scan(r io.Reader, stream string, onLine lineFunc) {
	defer p.wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		onLine(stream, sc.Text())
	}
}

// wait blocks until the child exits.
func (p *solverProcess) wait() error {
	return <-p.done
}

// doneCh exposes the exit channel for select loops. Receive at most once.
func (p *solverProcess) doneCh() <-chan error {
	return p.done
}

// terminate sends SIGTERM to the child's process group, escalating to
// SIGKILL after the grace window. Idempotent.
func (p *solverProcess) terminate() {
	p.termOnce.Do(func() {
		pid := p.cmd.Process.Pid
		_ = syscall.Kill(-pid, syscall.SIGTERM)
		go func() {
			timer := time.NewTimer(killGrace)
			defer timer.Stop()
			select {
			case <-p.exited:
			case <-timer.C:
				_ = syscall.Kill(-pid, syscall.SIGKILL)
			}
		}()
	})
}

// solverEnv builds the child environment additions: the cross-sections index
// for the data library and the OpenMP thread count.
func solverEnv(nuclearDataIndex string, ompThreads int) []string {
	env := []string{"OMP_NUM_THREADS=" + strconv.Itoa(ompThreads)}
	if nuclearDataIndex != "" {
		env = append(env, "OPENMC_CROSS_SECTIONS="+nuclearDataIndex)
	}
	return env
}
