package proc

import (
	"bytes"
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"

	. "github.com/openclaw/openclaw/internal/logging"
)

// runPTY runs the child under a pseudo-terminal. Data and exit listeners are
// disposed on every path (normal exit and timeouts) so repeated PTY runs do
// not leak goroutines or descriptors.
func (s *Supervisor) runPTY(ctx context.Context, spec RunSpec) (*RunExit, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	reg := s.register(spec, cancel)
	defer s.unregister(spec, reg)

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Cwd
	if spec.Env != nil {
		cmd.Env = spec.Env
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}
	// Closing the PTY master unblocks the reader goroutine on every path.
	var closeOnce sync.Once
	closePty := func() { closeOnce.Do(func() { ptmx.Close() }) }
	defer closePty()

	w := newWatchdog(spec.OverallTimeout, spec.NoOutputTimeout)
	defer w.stop()

	var outBuf bytes.Buffer
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		chunk := make([]byte, 32*1024)
		for {
			n, err := ptmx.Read(chunk)
			if n > 0 {
				w.touch()
				if spec.CaptureOutput {
					outBuf.Write(chunk[:n])
				}
				if spec.OnStdout != nil {
					spec.OnStdout(append([]byte(nil), chunk[:n]...))
				}
			}
			if err != nil {
				return
			}
		}
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	exit := &RunExit{Reason: ReasonExit}
	var waitErr error

	select {
	case waitErr = <-waitCh:
		if runCtx.Err() != nil {
			exit.Reason = ReasonManualCancel
		}
	case <-runCtx.Done():
		exit.Reason = ReasonManualCancel
		cmd.Process.Kill()
		waitErr = <-waitCh
	case <-w.overallC():
		exit.Reason = ReasonOverallTimeout
		exit.TimedOut = true
		cmd.Process.Kill()
		waitErr = <-waitCh
	case <-w.silenceC():
		exit.Reason = ReasonNoOutputTimeout
		exit.NoOutputTimedOut = true
		cmd.Process.Kill()
		waitErr = <-waitCh
	}

	closePty()
	select {
	case <-readerDone:
	case <-time.After(2 * time.Second):
		L_warn("proc: pty reader did not drain after close", "argv0", spec.Argv[0])
	}

	exit.ExitCode = exitCodeOf(cmd, waitErr)
	if exit.Reason == ReasonExit && exit.ExitCode < 0 {
		exit.Reason = ReasonSignal
	}
	if spec.CaptureOutput {
		exit.Stdout = outBuf.Bytes()
	}
	return exit, nil
}
