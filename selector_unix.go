//go:build unix

package websock

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// fdSelector multiplexes transports with select(2). Transports must
// implement rawConner; TLS wrapped connections select on the raw TCP
// descriptor underneath the wrapper.
type fdSelector struct{}

func newDefaultSelector() Selector { return fdSelector{} }

func (fdSelector) Select(read, write, except []Transport, timeout time.Duration) (r, w, x []Transport, err error) {
	var rset, wset, xset unix.FdSet
	nfds := 0

	gather := func(ts []Transport, set *unix.FdSet) ([]int, error) {
		fds := make([]int, len(ts))
		for i, t := range ts {
			fd, err := transportFd(t)
			if err != nil {
				return nil, err
			}
			set.Set(fd)
			if fd >= nfds {
				nfds = fd + 1
			}
			fds[i] = fd
		}
		return fds, nil
	}

	rfds, err := gather(read, &rset)
	if err != nil {
		return nil, nil, nil, err
	}
	wfds, err := gather(write, &wset)
	if err != nil {
		return nil, nil, nil, err
	}
	xfds, err := gather(except, &xset)
	if err != nil {
		return nil, nil, nil, err
	}

	var tv *unix.Timeval
	if timeout >= 0 {
		t := unix.NsecToTimeval(timeout.Nanoseconds())
		tv = &t
	}

	_, err = unix.Select(nfds, &rset, &wset, &xset, tv)
	if err == unix.EINTR {
		// Treat an interrupted select like a timeout; the next update
		// cycle rebuilds the sets.
		return nil, nil, nil, nil
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("select: %w", err)
	}

	for i, t := range read {
		if rset.IsSet(rfds[i]) {
			r = append(r, t)
		}
	}
	for i, t := range write {
		if wset.IsSet(wfds[i]) {
			w = append(w, t)
		}
	}
	for i, t := range except {
		if xset.IsSet(xfds[i]) {
			x = append(x, t)
		}
	}
	return r, w, x, nil
}

func transportFd(t Transport) (fd int, err error) {
	rc, ok := t.(rawConner)
	if !ok {
		return 0, fmt.Errorf("transport %T cannot be selected on", t)
	}
	sc, err := rc.SyscallConn()
	if err != nil {
		return 0, err
	}
	cerr := sc.Control(func(f uintptr) {
		fd = int(f)
	})
	if cerr != nil {
		return 0, cerr
	}
	return fd, nil
}
