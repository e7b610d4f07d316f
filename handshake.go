package websock

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// defaultMaxHandshakeLength bounds the HTTP upgrade exchange. A head
// that grows past it without a terminator tears the connection down.
const defaultMaxHandshakeLength = 8192

var keyGUID = []byte("258EAFA5-E914-47DA-95CA-C5AB0DC85B11")

// secWebSocketAccept computes the Sec-WebSocket-Accept token for key.
// See https://tools.ietf.org/html/rfc6455#section-4.2.2
func secWebSocketAccept(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write(keyGUID)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func newSecWebSocketKey() string {
	b := make([]byte, 16)
	_, err := rand.Read(b)
	if err != nil {
		panic(fmt.Sprintf("websock: failed to generate Sec-WebSocket-Key: %v", err))
	}
	return base64.StdEncoding.EncodeToString(b)
}

// clientUpgradeRequest emits the upgrade request head for hostport and path.
// See https://tools.ietf.org/html/rfc6455#section-4.1
func clientUpgradeRequest(hostport, path, key string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "GET %v HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: %v\r\n", hostport)
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Key: %v\r\n", key)
	b.WriteString("Sec-WebSocket-Version: 13\r\n")
	b.WriteString("\r\n")
	return b.Bytes()
}

type upgradeRequest struct {
	key       string
	host      string
	path      string
	protocols []string
}

// verifyUpgradeRequest parses and validates the request head of a
// client handshake. On failure the returned int is the HTTP status to
// answer with.
func verifyUpgradeRequest(head []byte) (*upgradeRequest, int, error) {
	r, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(head)))
	if err != nil {
		return nil, http.StatusBadRequest, fmt.Errorf("malformed handshake request: %w", err)
	}

	if r.Method != http.MethodGet {
		return nil, http.StatusMethodNotAllowed, fmt.Errorf("handshake request method %q is not GET", r.Method)
	}
	if r.Host == "" {
		return nil, http.StatusBadRequest, fmt.Errorf("missing Host header")
	}
	if !headerContainsToken(r.Header, "Connection", "Upgrade") {
		return nil, http.StatusBadRequest, fmt.Errorf("Connection header %q does not contain Upgrade", r.Header.Get("Connection"))
	}
	if !headerContainsToken(r.Header, "Upgrade", "websocket") {
		return nil, http.StatusBadRequest, fmt.Errorf("Upgrade header %q does not contain websocket", r.Header.Get("Upgrade"))
	}

	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return nil, http.StatusBadRequest, fmt.Errorf("missing Sec-WebSocket-Key header")
	}

	if !headerContainsToken(r.Header, "Sec-WebSocket-Version", "13") {
		return nil, http.StatusUpgradeRequired, fmt.Errorf("unsupported protocol version %q", r.Header.Get("Sec-WebSocket-Version"))
	}

	return &upgradeRequest{
		key:       key,
		host:      r.Host,
		path:      r.URL.Path,
		protocols: splitHeaderValues(r.Header, "Sec-WebSocket-Protocol"),
	}, 0, nil
}

func headerContainsToken(h http.Header, key, token string) bool {
	return httpguts.HeaderValuesContainsToken(h[textproto.CanonicalMIMEHeaderKey(key)], token)
}

func splitHeaderValues(h http.Header, key string) []string {
	var out []string
	for _, v := range h[textproto.CanonicalMIMEHeaderKey(key)] {
		for _, e := range strings.Split(v, ",") {
			if e = strings.TrimSpace(e); e != "" {
				out = append(out, e)
			}
		}
	}
	return out
}

// upgradeResponse builds the 101 Switching Protocols head answering key.
func upgradeResponse(key, serverID, protocol string) []byte {
	var b bytes.Buffer
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	fmt.Fprintf(&b, "Server: %v\r\n", serverID)
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Accept: %v\r\n", secWebSocketAccept(key))
	if protocol != "" {
		fmt.Fprintf(&b, "Sec-WebSocket-Protocol: %v\r\n", protocol)
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

const errorBodyTemplate = `<html><head><title>%errorCode% %errorString%</title></head>` +
	`<body><h1>%errorCode% %errorString%</h1><hr><i>%serverIdentifier%</i></body></html>`

// errorResponse renders an HTTP error answer for code, substituting
// %errorCode%, %errorString% and %serverIdentifier% in the body.
func errorResponse(code int, serverID string) []byte {
	reason := http.StatusText(code)
	if reason == "" {
		reason = "Error"
	}
	body := strings.NewReplacer(
		"%errorCode%", strconv.Itoa(code),
		"%errorString%", reason,
		"%serverIdentifier%", serverID,
	).Replace(errorBodyTemplate)

	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %v %v\r\n", code, reason)
	fmt.Fprintf(&b, "Server: %v\r\n", serverID)
	b.WriteString("\r\n")
	b.WriteString(body)
	b.WriteString("\r\n\r\n")
	return b.Bytes()
}

// verifyUpgradeResponse parses the server's answer to the client
// handshake, returning its status code and the selected subprotocol.
func verifyUpgradeResponse(head []byte) (int, string, error) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(head)), nil)
	if err != nil {
		return 0, "", fmt.Errorf("malformed handshake response: %w", err)
	}
	resp.Body.Close()
	return resp.StatusCode, resp.Header.Get("Sec-WebSocket-Protocol"), nil
}
