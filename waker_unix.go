//go:build linux || darwin || freebsd

package sniff

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// waker lets a read blocked in poll(2) notice context cancellation: a pipe is
// polled next to the capture descriptor and written to when the context is done.
type waker struct {
	r, w int
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func newWaker(ctx context.Context) (*waker, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}
	_ = unix.SetNonblock(p[0], true)
	_ = unix.SetNonblock(p[1], true)
	w := &waker{
		r:    p[0],
		w:    p[1],
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		select {
		case <-ctx.Done():
			_, _ = unix.Write(w.w, []byte{1})
		case <-w.stop:
		}
	}()
	return w, nil
}

// wait blocks until fd is readable. It returns io.EOF when woken by cancellation
// and ErrTimeout when timeout passed without fd becoming readable.
func (w *waker) wait(fd int, timeout time.Duration) error {
	ms := -1
	if timeout > 0 {
		ms = int(timeout.Milliseconds())
		if ms == 0 {
			ms = 1
		}
	}
	pfd := []unix.PollFd{
		{Fd: int32(fd), Events: unix.POLLIN},
		{Fd: int32(w.r), Events: unix.POLLIN},
	}
	for {
		n, err := unix.Poll(pfd, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("error polling socket: %w", err)
		}
		if pfd[1].Revents != 0 {
			return io.EOF
		}
		if n == 0 {
			return ErrTimeout
		}
		if pfd[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			return fmt.Errorf("error polling socket: revents %#x", pfd[0].Revents)
		}
		return nil
	}
}

// close stops the cancellation goroutine before releasing the pipe, so it can never
// write into a descriptor number that has been reused.
func (w *waker) close() {
	w.once.Do(func() {
		close(w.stop)
		<-w.done
		_ = unix.Close(w.r)
		_ = unix.Close(w.w)
	})
}
