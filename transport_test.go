package websock

import (
	"errors"
	"io"
	"testing"
	"time"
)

// memTransport is an in-memory Transport with explicit readiness,
// used to drive engines deterministically.
type memTransport struct {
	in  []byte
	out []byte

	eof    bool
	closed bool

	readErr  error
	writeErr error

	// maxWrite forces short writes when positive.
	maxWrite int

	// peer, when set, receives written bytes as its input.
	peer *memTransport
}

func newMemTransport() *memTransport { return &memTransport{} }

// memPipe cross links two transports into a duplex byte channel.
func memPipe() (*memTransport, *memTransport) {
	a, b := newMemTransport(), newMemTransport()
	a.peer = b
	b.peer = a
	return a, b
}

func (t *memTransport) feed(b []byte) { t.in = append(t.in, b...) }

func (t *memTransport) readReady() bool { return len(t.in) > 0 || t.eof || t.readErr != nil }

func (t *memTransport) Read(p []byte) (int, error) {
	if t.readErr != nil {
		return 0, t.readErr
	}
	if len(t.in) == 0 {
		if t.eof {
			return 0, io.EOF
		}
		return 0, nil
	}
	n := copy(p, t.in)
	t.in = t.in[n:]
	return n, nil
}

func (t *memTransport) Write(p []byte) (int, error) {
	if t.writeErr != nil {
		return 0, t.writeErr
	}
	n := len(p)
	if t.maxWrite > 0 && n > t.maxWrite {
		n = t.maxWrite
	}
	t.out = append(t.out, p[:n]...)
	if t.peer != nil {
		t.peer.in = append(t.peer.in, p[:n]...)
	}
	return n, nil
}

func (t *memTransport) Close() error {
	t.closed = true
	if t.peer != nil {
		t.peer.eof = true
	}
	return nil
}

// memListener doubles as the Acceptor and its own pollable handle.
type memListener struct {
	pending []*memTransport
	addrs   []string
	closed  bool
}

func (l *memListener) push(t *memTransport, addr string) {
	l.pending = append(l.pending, t)
	l.addrs = append(l.addrs, addr)
}

func (l *memListener) Accept() (Transport, string, error) {
	t, addr := l.pending[0], l.addrs[0]
	l.pending, l.addrs = l.pending[1:], l.addrs[1:]
	return t, addr, nil
}

func (l *memListener) Pollable() Transport { return l }

func (l *memListener) Read(p []byte) (int, error)  { return 0, io.EOF }
func (l *memListener) Write(p []byte) (int, error) { return 0, io.EOF }
func (l *memListener) Close() error {
	l.closed = true
	return nil
}

// memSelector reports readiness from buffer state: a transport is
// read-ready when it holds input or a pending end of stream, and
// always write-ready.
type memSelector struct {
	err error
}

func (s *memSelector) Select(read, write, except []Transport, timeout time.Duration) (r, w, x []Transport, err error) {
	if s.err != nil {
		return nil, nil, nil, s.err
	}
	for _, tr := range read {
		switch tt := tr.(type) {
		case *memTransport:
			if tt.readReady() {
				r = append(r, tr)
			}
		case *memListener:
			if len(tt.pending) > 0 {
				r = append(r, tr)
			}
		}
	}
	w = append(w, write...)
	return r, w, nil, nil
}

type decodedFrame struct {
	h       header
	payload []byte
}

// parseAllFrames decodes every complete frame in b, unmasking payloads.
func parseAllFrames(tb testing.TB, b []byte) []decodedFrame {
	tb.Helper()

	var frames []decodedFrame
	for len(b) > 0 {
		h, hn, err := parseFrameHeader(b)
		if err != nil {
			tb.Fatalf("failed to parse frame header: %v", err)
		}
		if hn == 0 {
			tb.Fatalf("incomplete frame header in %d trailing bytes", len(b))
		}
		total := hn + int(h.payloadLength)
		if len(b) < total {
			tb.Fatalf("incomplete frame payload: have %d bytes, frame is %d", len(b), total)
		}
		p := append([]byte(nil), b[hn:total]...)
		if h.masked {
			mask(h.maskKey, p)
		}
		frames = append(frames, decodedFrame{h: h, payload: p})
		b = b[total:]
	}
	return frames
}

var (
	errTestRead  = errors.New("injected read failure")
	errTestWrite = errors.New("injected write failure")
)
