package websock

import (
	"crypto/tls"
	"net"
	"strconv"

	"oxtail.dev/websock/internal/errd"
)

// DialOptions configure a client connection.
type DialOptions struct {
	// Host and Port of the remote endpoint. Port defaults to 80, or
	// 443 when UseTLS is set.
	Host string
	Port int

	// Path of the upgrade request. Defaults to "/".
	Path string

	// UseTLS wraps the transport in a TLS client session.
	UseTLS bool
	// AllowSelfSigned skips certificate verification.
	AllowSelfSigned bool

	Engine EngineOptions
}

// Dial opens a TCP, optionally TLS, connection to the remote endpoint
// and returns a client engine in the handshaking phase with the
// upgrade request queued. Attach the engine to a Driver to pump it;
// the handshake outcome arrives as UpdateConnectionAccepted or
// UpdateConnectionDenied.
func Dial(opts DialOptions) (_ *Engine, err error) {
	defer errd.Wrap(&err, "failed to dial %v:%v", opts.Host, opts.Port)

	port := opts.Port
	if port == 0 {
		port = 80
		if opts.UseTLS {
			port = 443
		}
	}
	hostport := net.JoinHostPort(opts.Host, strconv.Itoa(port))

	nc, err := net.Dial("tcp", hostport)
	if err != nil {
		return nil, err
	}

	raw := nc
	if opts.UseTLS {
		nc = tls.Client(nc, &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.AllowSelfSigned,
		})
	}

	path := opts.Path
	if path == "" {
		path = "/"
	}

	e := NewEngine(RoleClient, newNetTransport(nc, raw), &opts.Engine)
	e.remoteAddr = raw.RemoteAddr().String()
	e.writeBuf = clientUpgradeRequest(hostport, path, newSecWebSocketKey())
	return e, nil
}
