package pty

import (
	"errors"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

const treePollInterval = 20 * time.Millisecond

// signalTree delivers sig to pid and all of its descendants, children first,
// so that jobs the shell put in their own process groups are not orphaned.
func signalTree(pid int, sig syscall.Signal) error {
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		// Process already gone.
		return nil
	}

	var errs []error
	for _, child := range descendants(root) {
		if err := child.SendSignal(sig); err != nil && !isGone(err) {
			errs = append(errs, err)
		}
	}

	if err := syscall.Kill(pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// descendants returns every descendant of p, deepest first.
func descendants(p *process.Process) []*process.Process {
	children, err := p.Children()
	if err != nil {
		return nil
	}

	var out []*process.Process
	for _, c := range children {
		out = append(out, descendants(c)...)
		out = append(out, c)
	}
	return out
}

func isGone(err error) bool {
	return errors.Is(err, syscall.ESRCH) || errors.Is(err, process.ErrorProcessNotRunning)
}

// snapshotTree returns the current descendants of pid, deepest first. Taken
// before signalling, it still names jobs that get reparented once the shell
// dies.
func snapshotTree(pid int) []*process.Process {
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	return descendants(root)
}

// signalEach delivers sig to every process in procs.
func signalEach(procs []*process.Process, sig syscall.Signal) error {
	var errs []error
	for _, p := range procs {
		if err := p.SendSignal(sig); err != nil && !isGone(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// survivors filters procs down to the ones still running.
func survivors(procs []*process.Process) []*process.Process {
	var out []*process.Process
	for _, p := range procs {
		if ok, err := p.IsRunning(); err == nil && ok {
			out = append(out, p)
		}
	}
	return out
}

// awaitTree polls until every process in procs has exited or deadline
// passes, and returns the ones still running.
func awaitTree(procs []*process.Process, deadline time.Time) []*process.Process {
	for {
		procs = survivors(procs)
		if len(procs) == 0 || !time.Now().Before(deadline) {
			return procs
		}
		time.Sleep(treePollInterval)
	}
}
