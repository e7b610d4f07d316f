package websock

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"unicode/utf8"

	"go.uber.org/zap"
)

var headTerminator = []byte("\r\n\r\n")

// HandleRead consumes one chunk from the transport and advances the
// state machine, yielding the resulting update events. The chunk size
// is capped by ReadRate and shrunk to the bytes still missing from the
// frame under decode when that is known.
func (e *Engine) HandleRead() []Update {
	if e.phase == PhaseClosed {
		return []Update{e.ev(UpdateReadUnhandled)}
	}

	n := e.readRate
	if e.nextReadHint > 0 && e.nextReadHint < n {
		n = e.nextReadHint
	}
	e.nextReadHint = 0

	chunk := make([]byte, n)
	rn, err := e.t.Read(chunk)
	if rn > 0 {
		e.readBuf = append(e.readBuf, chunk[:rn]...)
	}
	// A read can deliver final bytes together with EOF; process them
	// now, the next cycle reads the EOF alone.
	if err != nil && (rn == 0 || !errors.Is(err, io.EOF)) {
		if errors.Is(err, io.EOF) {
			defer e.teardown()
			if e.peerSentClose {
				return []Update{e.ev(UpdateSockDisconnect)}
			}
			return []Update{e.ev(UpdateReadUnexpectedDisconnect)}
		}
		e.teardown()
		u := e.ev(UpdateReadError)
		u.Err = err
		return []Update{u}
	}
	if rn == 0 {
		return []Update{e.ev(UpdateReadEmpty)}
	}

	e.logger.Debug("read chunk",
		zap.Int64("conn", e.index),
		zap.Int("bytes", rn))

	if e.phase == PhaseHandshaking {
		return e.readHandshake()
	}
	return e.readFrames()
}

// readHandshake scans for the head terminator and runs the role
// specific side of the upgrade exchange. Bytes past the terminator are
// fed straight into the frame decode loop.
func (e *Engine) readHandshake() []Update {
	i := bytes.Index(e.readBuf, headTerminator)
	if i < 0 {
		if len(e.readBuf) > e.maxHandshake {
			e.teardown()
			return []Update{e.ev(UpdateHandshakeTooLarge)}
		}
		return nil
	}

	head := e.readBuf[:i+len(headTerminator)]
	rest := append([]byte(nil), e.readBuf[i+len(headTerminator):]...)
	e.readBuf = nil

	if e.role == RoleServer {
		return e.finishServerHandshake(head, rest)
	}
	return e.finishClientHandshake(head, rest)
}

func (e *Engine) finishServerHandshake(head, rest []byte) []Update {
	req, code, err := verifyUpgradeRequest(head)
	if err != nil {
		e.logger.Debug("handshake rejected",
			zap.Int64("conn", e.index),
			zap.Int("status", code),
			zap.Error(err))
		e.enqueueRaw(errorResponse(code, e.serverID))
		e.closeAfterWrite = true
		u := e.ev(UpdateHandshakeFailure)
		u.Err = err
		return []Update{u}
	}

	e.hsKey = req.key
	e.requestedProtocols = req.protocols
	e.hasHandshake = true
	e.phase = PhaseOpen
	e.logger.Info("handshake received",
		zap.Int64("conn", e.index),
		zap.String("host", req.host),
		zap.String("path", req.path))

	updates := []Update{e.ev(UpdateNewConnection)}
	if len(rest) > 0 {
		e.readBuf = rest
		updates = append(updates, e.readFrames()...)
	}
	return updates
}

func (e *Engine) finishClientHandshake(head, rest []byte) []Update {
	status, protocol, err := verifyUpgradeResponse(head)
	if err != nil {
		e.teardown()
		u := e.ev(UpdateReadInvalidHeaders)
		u.Err = err
		return []Update{u}
	}
	if status != http.StatusSwitchingProtocols {
		e.logger.Info("handshake denied by server",
			zap.Int64("conn", e.index),
			zap.Int("status", status))
		e.teardown()
		return []Update{e.ev(UpdateConnectionDenied)}
	}

	e.handshakeAccepted = true
	e.subprotocol = protocol
	e.phase = PhaseOpen

	updates := []Update{e.ev(UpdateConnectionAccepted)}
	if len(rest) > 0 {
		e.readBuf = rest
		updates = append(updates, e.readFrames()...)
	}
	return updates
}

// readFrames decodes as many complete frames as the buffer holds.
// Pongs owed for received pings are enqueued after the batch so a
// burst of pings cannot interleave with an in progress close.
func (e *Engine) readFrames() []Update {
	var updates []Update
	var pongs [][]byte

loop:
	for {
		h, hn, err := parseFrameHeader(e.readBuf)
		if err != nil {
			updates = append(updates, e.protocolFailure(StatusProtocolError, "Invalid frame header", UpdateReadProtocolError, err))
			break
		}
		if hn == 0 {
			break
		}

		if (h.rsv1 && !e.allowRSV1) || (h.rsv2 && !e.allowRSV2) || (h.rsv3 && !e.allowRSV3) {
			updates = append(updates, e.protocolFailure(StatusProtocolError, "Unexpected RSV bit set", UpdateReadRsvBitSet, nil))
			break
		}

		total := hn + int(h.payloadLength)
		if len(e.readBuf) < total {
			e.nextReadHint = total - len(e.readBuf)
			break
		}

		err = validateHeader(h, e.role == RoleClient)
		if err != nil {
			updates = append(updates, e.protocolFailure(StatusProtocolError, "Protocol error", UpdateReadProtocolError, err))
			break
		}

		payload := e.readBuf[hn:total]
		if h.masked {
			mask(h.maskKey, payload)
		}
		payload = append([]byte(nil), payload...)
		e.readBuf = e.readBuf[total:]

		switch h.opcode {
		case OpContinuation:
			if !e.hasPartial {
				updates = append(updates, e.protocolFailure(StatusProtocolError, "Unexpected continuation frame", UpdateReadProtocolError, nil))
				break loop
			}
			e.partial = append(e.partial, payload...)
			if h.fin {
				u, ok := e.finishMessage()
				updates = append(updates, u)
				if !ok {
					break loop
				}
			}

		case OpText, OpBinary:
			if e.hasPartial {
				updates = append(updates, e.protocolFailure(StatusProtocolError, "Expected continuation frame", UpdateReadInvalidPayload, nil))
				break loop
			}
			e.hasPartial = true
			e.partialOp = h.opcode
			e.partial = payload
			if h.fin {
				u, ok := e.finishMessage()
				updates = append(updates, u)
				if !ok {
					break loop
				}
			}

		case OpClose:
			updates = append(updates, e.readClose(payload))
			break loop

		case OpPing:
			e.logger.Debug("received ping",
				zap.Int64("conn", e.index),
				zap.Int("bytes", len(payload)))
			u := e.ev(UpdatePing)
			u.Opcode = OpPing
			u.Payload = payload
			updates = append(updates, u)
			pongs = append(pongs, payload)

		case OpPong:
			e.logger.Debug("received pong", zap.Int64("conn", e.index))
		}
	}

	if len(pongs) > 0 && !e.isDisconnecting() {
		for _, p := range pongs {
			frame, err := e.encodeFrame(p, OpPong, true)
			if err != nil {
				// A pong mirrors a validated ping; its payload cannot
				// exceed the control limit.
				continue
			}
			e.controlQueue = append(e.controlQueue, frame)
		}
	}

	return updates
}

// finishMessage delivers the accumulated fragments as one message,
// enforcing UTF-8 validity for text.
func (e *Engine) finishMessage() (Update, bool) {
	msg := e.partial
	op := e.partialOp
	e.partial = nil
	e.hasPartial = false

	if op == OpText && !utf8.Valid(msg) {
		return e.protocolFailure(StatusInvalidFramePayloadData, "Invalid UTF-8 in text message", UpdateReadInvalidPayload, nil), false
	}

	u := e.ev(UpdateRead)
	u.Opcode = op
	u.Payload = msg
	return u, true
}

// readClose answers the peer's close frame. A parseable code and
// reason are echoed back; anything else maps to a 1002 diagnostic, and
// an absent code answers 1000.
func (e *Engine) readClose(p []byte) Update {
	e.peerSentClose = true

	ce, err := parseClosePayload(p)
	switch {
	case err != nil:
		e.enqueueClose(StatusProtocolError, "Invalid close payload")
	case ce.Code == StatusNoStatusRcvd:
		e.enqueueClose(StatusNormalClosure, "")
	default:
		e.enqueueClose(ce.Code, ce.Reason)
	}

	// Only the server schedules the transport teardown here; a client
	// keeps the transport up until the server closes it.
	if e.role == RoleServer {
		e.closeAfterWrite = true
	}
	e.phase = PhaseClosing

	e.logger.Debug("received close",
		zap.Int64("conn", e.index),
		zap.Int("status", int(ce.Code)),
		zap.Error(err))

	return e.ev(UpdateReadDisconnect)
}
