package sandbox

import (
	"context"
	"os"
	"sync"
	"syscall"
	"time"

	cerrors "antimony/errors"
	"antimony/ipcproxy"
	"antimony/procspawn"
	"antimony/sof"
	"antimony/tempobj"
)

// gracePeriod is how long escalate (reached from Wait on a timeout or
// context cancellation) waits after SIGTERM before sending SIGKILL.
// Teardown does not use it.
const gracePeriod = 3 * time.Second

type handleState int

const (
	stateRunning handleState = iota
	stateTornDown
)

// Handle is a single sandbox launch: the bwrap child, its optional
// Notify monitor and DBus proxy, the SOF cache entry it bound in, and
// the temp objects (sockets, reserved paths) created along the way.
// Grounded on container.Container's mutex-guarded lifecycle struct,
// generalised from an OCI container's Signal/Wait/Destroy trio to a
// sandbox launch's equivalent operations.
type Handle struct {
	mu sync.Mutex

	Profile string
	Bwrap   *procspawn.Handle
	Monitor *procspawn.Handle
	Proxy   *ipcproxy.Handle
	SOF     *sof.Entry

	sockets  []*os.File
	tempObjs []*tempobj.Object

	state handleState
}

// Signal forwards a signal to the sandboxed child.
func (h *Handle) Signal(sig os.Signal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.Bwrap == nil {
		return cerrors.New(cerrors.ErrSandbox, "handle-signal", "no bwrap process")
	}
	return h.Bwrap.Signal(sig)
}

type waitResult struct {
	state *os.ProcessState
	err   error
}

// Wait blocks for the child to exit, escalating SIGTERM then SIGKILL
// if ctx is cancelled or timeout elapses first — the only bounded
// wait in the pipeline, per spec §5.
func (h *Handle) Wait(ctx context.Context, timeout time.Duration) (*os.ProcessState, error) {
	done := make(chan waitResult, 1)
	go func() {
		ps, err := h.Bwrap.Wait()
		done <- waitResult{ps, err}
	}()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case r := <-done:
		return r.state, r.err
	case <-timeoutCh:
		return h.escalate(done)
	case <-ctx.Done():
		return h.escalate(done)
	}
}

func (h *Handle) escalate(done chan waitResult) (*os.ProcessState, error) {
	h.Bwrap.Signal(syscall.SIGTERM)
	select {
	case r := <-done:
		return r.state, r.err
	case <-time.After(gracePeriod):
		h.Bwrap.Signal(syscall.SIGKILL)
		r := <-done
		return r.state, r.err
	}
}

// Teardown always unwinds in reverse order, per spec §4.12/§5: SIGTERM
// bwrap, join the monitor, join the proxy, release the SOF reference,
// release temp objects. Idempotent — a second call is a no-op.
func (h *Handle) Teardown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == stateTornDown {
		return
	}
	h.state = stateTornDown

	if h.Bwrap != nil {
		h.Bwrap.Signal(syscall.SIGTERM)
		h.Bwrap.Wait()
	}
	if h.Monitor != nil {
		h.Monitor.Signal(syscall.SIGTERM)
		h.Monitor.Wait()
	}
	if h.Proxy != nil {
		h.Proxy.Signal(syscall.SIGTERM)
		h.Proxy.Wait()
		h.Proxy.Close()
	}
	// The SOF cache entry is a persistent, refcount-free hard-link
	// tree (spec §4.7); nothing to release here beyond the handle's
	// own reference to it.
	h.SOF = nil

	for _, s := range h.sockets {
		s.Close()
	}
	for _, o := range h.tempObjs {
		o.Delete()
	}
}
