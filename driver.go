package websock

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Driver defaults. The accept timeout sweep works at one second
// granularity: opened timestamps are captured in whole seconds.
const (
	defaultSelectTimeout = time.Second
	defaultAcceptTimeout = time.Second
)

// Acceptor produces transports for inbound connections.
type Acceptor interface {
	// Accept returns the transport and remote address of a newly
	// established connection.
	Accept() (Transport, string, error)
	// Pollable returns the handle used for readiness selection.
	Pollable() Transport
	Close() error
}

// DriverOptions configure a Driver.
type DriverOptions struct {
	// Selector overrides the readiness primitive. Defaults to the
	// select(2) based implementation.
	Selector Selector

	// Acceptor, when set, makes the driver accept inbound connections
	// and run the accept timeout sweep.
	Acceptor Acceptor

	// Engine is the option template applied to accepted connections.
	Engine EngineOptions

	// AcceptTimeout is the grace period for the application to Accept
	// or Deny a connection after its handshake arrives. Defaults to
	// one second; sub-second values round up.
	AcceptTimeout time.Duration

	// SelectTimeout bounds each Update call. Defaults to one second.
	SelectTimeout time.Duration

	Logger *zap.Logger
}

// Driver multiplexes connection engines over a readiness primitive.
// It is the sole owner of its engines, keyed by a monotonically
// increasing connection index, and pumps them serially: engine state
// is never touched by more than one goroutine.
type Driver struct {
	sel      Selector
	acceptor Acceptor
	logger   *zap.Logger

	engineOpts    EngineOptions
	acceptTimeout int64 // whole seconds
	selectTimeout time.Duration

	conns     map[int64]*Engine
	order     []int64
	nextIndex int64

	now func() int64
}

// NewDriver constructs a driver. Client engines produced by Dial are
// attached with Add; an Acceptor makes the driver serve inbound
// connections as well.
func NewDriver(opts *DriverOptions) *Driver {
	if opts == nil {
		opts = &DriverOptions{}
	}
	d := &Driver{
		sel:           opts.Selector,
		acceptor:      opts.Acceptor,
		logger:        opts.Logger,
		engineOpts:    opts.Engine,
		selectTimeout: opts.SelectTimeout,
		conns:         make(map[int64]*Engine),
		now:           func() int64 { return time.Now().Unix() },
	}
	if d.sel == nil {
		d.sel = newDefaultSelector()
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	if d.selectTimeout == 0 {
		d.selectTimeout = defaultSelectTimeout
	}
	at := opts.AcceptTimeout
	if at == 0 {
		at = defaultAcceptTimeout
	}
	d.acceptTimeout = int64((at + time.Second - 1) / time.Second)
	return d
}

// Add attaches an engine to the driver and assigns its connection
// index.
func (d *Driver) Add(e *Engine) int64 {
	idx := d.nextIndex
	d.nextIndex++
	e.index = idx
	e.openedAt = d.now()
	d.conns[idx] = e
	d.order = append(d.order, idx)
	return idx
}

// Get returns the engine with the given connection index, or nil.
func (d *Driver) Get(index int64) *Engine {
	return d.conns[index]
}

// Len is the number of live connections.
func (d *Driver) Len() int { return len(d.conns) }

// Update runs one multiplex cycle with the configured select timeout.
func (d *Driver) Update() []Update {
	return d.UpdateTimeout(d.selectTimeout)
}

// UpdateTimeout runs one multiplex cycle: select readiness, accept
// inbound connections, pump read-ready then write-ready engines, then
// sweep connections whose handshake went unanswered. Events are
// forwarded in the order the engines produced them; ordering across
// connections is unspecified.
func (d *Driver) UpdateTimeout(timeout time.Duration) []Update {
	var updates []Update

	read := make([]Transport, 0, len(d.order)+1)
	write := make([]Transport, 0, len(d.order))
	byTransport := make(map[Transport]*Engine, len(d.order))
	for _, idx := range d.order {
		e := d.conns[idx]
		read = append(read, e.t)
		byTransport[e.t] = e
		if e.wantWrite() {
			write = append(write, e.t)
		}
	}

	var lt Transport
	if d.acceptor != nil {
		lt = d.acceptor.Pollable()
		read = append(read, lt)
	}

	r, w, _, err := d.sel.Select(read, write, nil, timeout)
	if err != nil {
		d.logger.Error("select failed", zap.Error(err))
		return []Update{{Kind: UpdateSelectError, Err: err}}
	}

	for _, t := range r {
		if t == lt {
			d.accept()
			continue
		}
		e := byTransport[t]
		if e == nil {
			updates = append(updates, Update{Kind: UpdateReadUnhandled})
			continue
		}
		updates = append(updates, e.HandleRead()...)
	}

	for _, t := range w {
		e := byTransport[t]
		if e == nil {
			continue
		}
		updates = append(updates, e.HandleWrite()...)
	}

	if d.acceptor != nil {
		updates = append(updates, d.sweepAcceptTimeouts()...)
	}

	d.cull()
	return updates
}

func (d *Driver) accept() {
	t, addr, err := d.acceptor.Accept()
	if err != nil {
		d.logger.Warn("failed to accept connection", zap.Error(err))
		return
	}
	opts := d.engineOpts
	if opts.Logger == nil {
		opts.Logger = d.logger
	}
	e := NewEngine(RoleServer, t, &opts)
	e.remoteAddr = addr
	idx := d.Add(e)
	d.logger.Info("accepted connection",
		zap.Int64("conn", idx),
		zap.String("remote", addr))
}

// sweepAcceptTimeouts denies connections whose handshake has been
// waiting on the application past the accept timeout.
func (d *Driver) sweepAcceptTimeouts() []Update {
	now := d.now()
	var updates []Update
	for _, idx := range d.order {
		e := d.conns[idx]
		if e.role != RoleServer || !e.hasHandshake || e.accepted || e.denied {
			continue
		}
		if now-e.openedAt < d.acceptTimeout {
			continue
		}
		d.logger.Info("accept timeout passed",
			zap.Int64("conn", idx),
			zap.String("remote", e.remoteAddr))
		updates = append(updates, e.ev(UpdateAcceptTimeoutPassed))
		e.Deny(http.StatusRequestTimeout)
	}
	return updates
}

// cull drops engines whose transports have closed.
func (d *Driver) cull() {
	keep := d.order[:0]
	for _, idx := range d.order {
		if d.conns[idx].phase == PhaseClosed {
			delete(d.conns, idx)
			continue
		}
		keep = append(keep, idx)
	}
	d.order = keep
}
