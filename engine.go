package websock

import (
	"errors"

	"go.uber.org/zap"
)

// Role distinguishes the two endpoints of a connection. The role
// determines masking: clients mask outgoing frames, servers do not.
type Role int

// Role constants.
const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// Phase is the lifecycle state of a connection.
type Phase int

// Phase constants.
const (
	PhaseHandshaking Phase = iota
	PhaseOpen
	PhaseClosing
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseHandshaking:
		return "handshaking"
	case PhaseOpen:
		return "open"
	case PhaseClosing:
		return "closing"
	default:
		return "closed"
	}
}

// defaultIORate is the per cycle byte cap for reads and writes.
const defaultIORate = 16384

// EngineOptions tune a single connection engine. The zero value is
// ready to use.
type EngineOptions struct {
	// ReadRate and WriteRate cap the bytes consumed and drained per
	// I/O cycle. Both default to 16384.
	ReadRate  int
	WriteRate int

	// MaxHandshakeLength bounds the HTTP upgrade head. Defaults to 8192.
	MaxHandshakeLength int

	// AllowRSV1, AllowRSV2 and AllowRSV3 permit the corresponding
	// reserved bit on incoming frames. All default to false; a frame
	// with a disallowed bit fails the connection with status 1002.
	AllowRSV1 bool
	AllowRSV2 bool
	AllowRSV3 bool

	// ServerID is the identity sent in the Server header and
	// substituted for %serverIdentifier% in error bodies. Defaults to
	// "websock/" plus the VERSION artifact.
	ServerID string

	// Logger receives connection lifecycle and frame traffic logs.
	// Defaults to a no-op logger.
	Logger *zap.Logger
}

// Engine is the per connection protocol state machine. It consumes byte
// chunks of arbitrary size from its transport, reassembles fragmented
// messages, enforces protocol conformance and interleaves control and
// data frames on the write path.
//
// An Engine is not safe for concurrent use; it is pumped serially by
// the Driver that owns it.
type Engine struct {
	role   Role
	t      Transport
	phase  Phase
	logger *zap.Logger

	index      int64
	remoteAddr string
	// Captured in whole seconds; the accept timeout sweep compares at
	// one second granularity.
	openedAt int64

	readBuf  []byte
	writeBuf []byte
	// Framed control messages jump the queue: a pong or close is
	// transmitted before any queued data frame.
	controlQueue [][]byte
	dataQueue    [][]byte

	partial    []byte
	partialOp  Opcode
	hasPartial bool

	// Bytes still missing to complete the frame under decode.
	nextReadHint int

	closeAfterWrite bool
	peerSentClose   bool
	localSentClose  bool

	allowRSV1 bool
	allowRSV2 bool
	allowRSV3 bool

	readRate     int
	writeRate    int
	maxHandshake int

	serverID string

	// Server side handshake state.
	hsKey              string
	requestedProtocols []string
	hasHandshake       bool
	accepted           bool
	denied             bool

	// Client side handshake state.
	handshakeAccepted bool

	subprotocol string
}

// NewEngine constructs an engine for role over t, starting in the
// handshaking phase. Most callers want Dial or NewServer instead; use
// this only to drive a custom transport.
func NewEngine(role Role, t Transport, opts *EngineOptions) *Engine {
	if opts == nil {
		opts = &EngineOptions{}
	}
	e := &Engine{
		role:         role,
		t:            t,
		phase:        PhaseHandshaking,
		logger:       opts.Logger,
		readRate:     opts.ReadRate,
		writeRate:    opts.WriteRate,
		maxHandshake: opts.MaxHandshakeLength,
		allowRSV1:    opts.AllowRSV1,
		allowRSV2:    opts.AllowRSV2,
		allowRSV3:    opts.AllowRSV3,
		serverID:     opts.ServerID,
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.readRate <= 0 {
		e.readRate = defaultIORate
	}
	if e.writeRate <= 0 {
		e.writeRate = defaultIORate
	}
	if e.maxHandshake <= 0 {
		e.maxHandshake = defaultMaxHandshakeLength
	}
	if e.serverID == "" {
		e.serverID = defaultServerID()
	}
	return e
}

// Index is the driver assigned connection index.
func (e *Engine) Index() int64 { return e.index }

// RemoteAddr is the peer address recorded at connect or accept time.
func (e *Engine) RemoteAddr() string { return e.remoteAddr }

// Role returns which endpoint of the connection this engine is.
func (e *Engine) Role() Role { return e.role }

// Phase returns the lifecycle state of the connection.
func (e *Engine) Phase() Phase { return e.phase }

// Subprotocol returns the negotiated subprotocol, or "" for none.
func (e *Engine) Subprotocol() string { return e.subprotocol }

// RequestedProtocols lists the subprotocols offered by the client.
// Server side only; populated once the handshake has been read.
func (e *Engine) RequestedProtocols() []string { return e.requestedProtocols }

// Accept enqueues the 101 upgrade response, optionally selecting a
// subprotocol. Server side only, after UpdateNewConnection.
func (e *Engine) Accept(protocol string) error {
	if e.role != RoleServer {
		return errors.New("cannot accept on a client connection")
	}
	if !e.hasHandshake {
		return errors.New("no validated handshake to accept")
	}
	if e.accepted {
		return errors.New("connection already accepted")
	}
	e.accepted = true
	e.subprotocol = protocol
	e.enqueueRaw(upgradeResponse(e.hsKey, e.serverID, protocol))
	e.logger.Debug("handshake accepted",
		zap.Int64("conn", e.index),
		zap.String("protocol", protocol))
	return nil
}

// Deny answers the handshake with an HTTP error body and schedules the
// transport to close once it drains. Server side only.
func (e *Engine) Deny(httpCode int) error {
	if e.role != RoleServer {
		return errors.New("cannot deny on a client connection")
	}
	e.denied = true
	e.enqueueRaw(errorResponse(httpCode, e.serverID))
	e.closeAfterWrite = true
	e.logger.Debug("handshake denied",
		zap.Int64("conn", e.index),
		zap.Int("status", httpCode))
	return nil
}

// CloseAfterWrite latches the shutdown flag: once every queue and the
// write buffer are empty the transport is closed.
func (e *Engine) CloseAfterWrite() { e.closeAfterWrite = true }

func (e *Engine) maskOutgoing() bool { return e.role == RoleClient }

func (e *Engine) isDisconnecting() bool {
	return e.peerSentClose || e.closeAfterWrite
}

// wantWrite reports whether the engine has bytes to drain, or a
// pending shutdown that a write cycle must complete.
func (e *Engine) wantWrite() bool {
	if e.phase == PhaseClosed {
		return false
	}
	return len(e.writeBuf) > 0 || len(e.controlQueue) > 0 || len(e.dataQueue) > 0 || e.closeAfterWrite
}

// enqueueRaw stages HTTP bytes ahead of any queued frame.
func (e *Engine) enqueueRaw(b []byte) {
	if len(e.writeBuf) == 0 {
		e.writeBuf = b
		return
	}
	e.controlQueue = append([][]byte{b}, e.controlQueue...)
}

func (e *Engine) enqueueClose(code StatusCode, reason string) {
	err := e.SendClose(code, reason)
	if err != nil {
		e.logger.Debug("failed to enqueue close frame",
			zap.Int64("conn", e.index),
			zap.Error(err))
	}
}

func (e *Engine) teardown() {
	if e.phase == PhaseClosed {
		return
	}
	e.phase = PhaseClosed
	e.t.Close()
	e.logger.Info("connection closed",
		zap.Int64("conn", e.index),
		zap.String("remote", e.remoteAddr))
}

func (e *Engine) ev(k UpdateKind) Update {
	return Update{Kind: k, Conn: e}
}

// protocolFailure queues a close frame with code, latches the shutdown
// flag and produces the event reported to the caller. Decoding of the
// current cycle halts afterwards.
func (e *Engine) protocolFailure(code StatusCode, reason string, kind UpdateKind, cause error) Update {
	e.enqueueClose(code, reason)
	e.closeAfterWrite = true
	if e.phase == PhaseOpen {
		e.phase = PhaseClosing
	}
	e.logger.Debug("protocol failure",
		zap.Int64("conn", e.index),
		zap.Int("status", int(code)),
		zap.String("reason", reason),
		zap.Error(cause))
	u := e.ev(kind)
	u.Err = cause
	return u
}
