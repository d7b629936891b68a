package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// RelayStats counts the bytes relayed in each direction.
type RelayStats struct {
	ClientToTarget int64
	TargetToClient int64
}

type closeWriter interface {
	CloseWrite() error
}

// Relay copies clientReader to target and target to client concurrently.
// When a direction ends, the write half of its destination is shut down so
// the peer sees EOF while the other direction keeps flowing. Both conns are
// closed once both directions are done, or early if ctx is cancelled.
//
// clientReader is normally a reader buffering client, so bytes read while
// negotiating the header are not lost.
func Relay(ctx context.Context, client net.Conn, clientReader io.Reader, target net.Conn) (RelayStats, error) {
	var (
		stats     RelayStats
		up, down  error
		closeOnce sync.Once
	)
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = target.Close()
		})
	}
	defer closeBoth()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeBoth()
		case <-done:
		}
	}()

	var g errgroup.Group

	g.Go(func() error {
		var err error
		stats.ClientToTarget, err = halfCopy(target, clientReader)
		if err != nil {
			up = fmt.Errorf("client to target: %w", err)
		}
		return up
	})

	g.Go(func() error {
		var err error
		stats.TargetToClient, err = halfCopy(client, target)
		if err != nil {
			down = fmt.Errorf("target to client: %w", err)
		}
		return down
	})

	if err := g.Wait(); err != nil {
		// Wait only reports the first failure.
		return stats, errors.Join(up, down)
	}
	return stats, nil
}

// halfCopy copies src to dst, then shuts down dst's write half.
func halfCopy(dst net.Conn, src io.Reader) (int64, error) {
	n, err := io.Copy(dst, src)
	if cw, ok := dst.(closeWriter); ok {
		if cerr := cw.CloseWrite(); cerr != nil && err == nil && !errors.Is(cerr, net.ErrClosed) {
			err = fmt.Errorf("close write: %w", cerr)
		}
	}
	return n, err
}
