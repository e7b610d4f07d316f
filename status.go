package websock

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// StatusCode represents a WebSocket status code.
// https://tools.ietf.org/html/rfc6455#section-7.4
type StatusCode int

// These codes were retrieved from:
// https://www.iana.org/assignments/websocket/websocket.xhtml#close-code-number
//
// The 3000-4999 range of status codes is reserved for use by libraries,
// frameworks and applications.
const (
	StatusNormalClosure   StatusCode = 1000
	StatusGoingAway       StatusCode = 1001
	StatusProtocolError   StatusCode = 1002
	StatusUnsupportedData StatusCode = 1003

	// 1004 is reserved and so unexported.
	statusReserved StatusCode = 1004

	// StatusNoStatusRcvd cannot be sent in a close frame.
	// It is reserved for when a close frame is received without
	// an explicit status.
	StatusNoStatusRcvd StatusCode = 1005

	// StatusAbnormalClosure cannot be sent in a close frame. It is
	// reserved for when the transport drops without a closing handshake.
	StatusAbnormalClosure StatusCode = 1006

	StatusInvalidFramePayloadData StatusCode = 1007
	StatusPolicyViolation         StatusCode = 1008
	StatusMessageTooBig           StatusCode = 1009
	StatusMandatoryExtension      StatusCode = 1010
	StatusInternalError           StatusCode = 1011

	// StatusTLSHandshake cannot be sent in a close frame; it is local
	// use only.
	StatusTLSHandshake StatusCode = 1015
)

// CloseError is the close frame sent by the peer.
type CloseError struct {
	Code   StatusCode
	Reason string
}

func (ce CloseError) Error() string {
	return fmt.Sprintf("status = %v and reason = %q", ce.Code, ce.Reason)
}

// CloseStatus is a convenience wrapper around errors.As to grab
// the status code from a CloseError. If the passed error is nil
// or not a CloseError, the returned StatusCode will be -1.
func CloseStatus(err error) StatusCode {
	var ce CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return -1
}

// validWireCloseCode reports whether code may travel in a close frame,
// sent or received.
// See https://tools.ietf.org/html/rfc6455#section-7.4.1
func validWireCloseCode(code StatusCode) bool {
	switch code {
	case StatusNormalClosure, StatusGoingAway, StatusProtocolError, StatusUnsupportedData,
		StatusInvalidFramePayloadData, StatusPolicyViolation, StatusMessageTooBig,
		StatusMandatoryExtension, StatusInternalError:
		return true
	}
	return code >= 3000 && code <= 4999
}

// parseClosePayload decodes a close frame payload. A payload shorter
// than the 2 byte status code maps to StatusNoStatusRcvd.
func parseClosePayload(p []byte) (CloseError, error) {
	if len(p) < 2 {
		return CloseError{Code: StatusNoStatusRcvd}, nil
	}

	ce := CloseError{
		Code:   StatusCode(binary.BigEndian.Uint16(p)),
		Reason: string(p[2:]),
	}

	if !validWireCloseCode(ce.Code) {
		return CloseError{}, fmt.Errorf("invalid status code %v", ce.Code)
	}
	if !utf8.ValidString(ce.Reason) {
		return CloseError{}, fmt.Errorf("invalid UTF-8 in close reason %q", ce.Reason)
	}

	return ce, nil
}

// closePayload encodes code and reason for the wire.
func closePayload(code StatusCode, reason string) ([]byte, error) {
	if len(reason) > maxControlPayload-2 {
		return nil, fmt.Errorf("reason string max is %v but got %q with length %v", maxControlPayload-2, reason, len(reason))
	}
	if !validWireCloseCode(code) {
		return nil, fmt.Errorf("status code %v cannot be set", code)
	}

	buf := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(buf, uint16(code))
	copy(buf[2:], reason)
	return buf, nil
}
