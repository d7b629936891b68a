package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Handle controls a running Unit.
type Handle struct {
	unit *Unit

	stop     chan struct{}
	stopOnce sync.Once

	// done is closed once the accept loop has exited and the listener is
	// closed. err is written before that.
	done chan struct{}
	err  error

	conns       sync.WaitGroup
	connCtx     context.Context
	cancelConns context.CancelFunc
}

func newHandle(u *Unit) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handle{
		unit:        u,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		connCtx:     ctx,
		cancelConns: cancel,
	}
}

func (h *Handle) Unit() *Unit {
	return h.unit
}

// Done is closed when the unit has stopped accepting and released its port.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the accept error that stopped the unit on its own, if any.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Stop stops the unit's accept loop and blocks until the listener is
// closed. It then waits for in-flight connections to finish; if ctx ends
// first they are force-closed and Stop returns an error wrapping ctx's error
// once they have exited.
//
// Stop may be called more than once, and on a unit that already stopped by
// itself.
func (h *Handle) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done

	drained := make(chan struct{})
	go func() {
		h.conns.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = fmt.Errorf("force-closed in-flight connections: %w", ctx.Err())
		h.cancelConns()
		<-drained
	}
	h.cancelConns()
	return err
}

// StopAll stops every handle concurrently and returns when all have stopped.
// The error joins the per-unit errors, naming each unit's rule.
func StopAll(ctx context.Context, handles []*Handle) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, h := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.Stop(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("stop %s: %w", h.unit.rule, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
