package websock

import (
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"oxtail.dev/websock/internal/errd"
)

// ServerOptions configure an inbound endpoint.
type ServerOptions struct {
	// BindAddr defaults to "0.0.0.0".
	BindAddr string
	// Port defaults to 80, or 443 when TLSConfig is set.
	Port int

	// TLSConfig, when set, wraps every accepted transport in a TLS
	// server session.
	TLSConfig *tls.Config

	// Engine is the option template applied to accepted connections.
	Engine EngineOptions

	// AcceptTimeout is the grace period for the application to Accept
	// or Deny after a handshake arrives. Defaults to one second.
	AcceptTimeout time.Duration
	// SelectTimeout bounds each Update call. Defaults to one second.
	SelectTimeout time.Duration

	Logger *zap.Logger
}

// Server owns the listening socket and the driver multiplexing the
// accepted connections.
type Server struct {
	*Driver
	ln net.Listener
}

// NewServer binds the listening socket and returns a server ready to
// be pumped with Update.
func NewServer(opts ServerOptions) (_ *Server, err error) {
	defer errd.Wrap(&err, "failed to start server")

	bind := opts.BindAddr
	if bind == "" {
		bind = "0.0.0.0"
	}
	port := opts.Port
	if port == 0 {
		port = 80
		if opts.TLSConfig != nil {
			port = 443
		}
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(bind, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	return NewServerListener(ln, opts)
}

// NewServerListener builds a server on an already bound listener.
// Useful for ephemeral ports and custom socket setup.
func NewServerListener(ln net.Listener, opts ServerOptions) (*Server, error) {
	d := NewDriver(&DriverOptions{
		Acceptor: &tcpAcceptor{
			lt:      &listenerTransport{ln: ln},
			ln:      ln,
			tlsConf: opts.TLSConfig,
		},
		Engine:        opts.Engine,
		AcceptTimeout: opts.AcceptTimeout,
		SelectTimeout: opts.SelectTimeout,
		Logger:        opts.Logger,
	})
	return &Server{Driver: d, ln: ln}, nil
}

// Addr is the bound listener address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Close shuts the listener and tears down every live connection.
func (s *Server) Close() error {
	err := s.ln.Close()
	for _, idx := range s.order {
		s.conns[idx].teardown()
	}
	s.cull()
	return err
}

type tcpAcceptor struct {
	ln      net.Listener
	tlsConf *tls.Config
	lt      Transport
}

func (a *tcpAcceptor) Accept() (Transport, string, error) {
	c, err := a.ln.Accept()
	if err != nil {
		return nil, "", err
	}
	raw := c
	if a.tlsConf != nil {
		c = tls.Server(c, a.tlsConf)
	}
	return newNetTransport(c, raw), raw.RemoteAddr().String(), nil
}

func (a *tcpAcceptor) Pollable() Transport { return a.lt }

func (a *tcpAcceptor) Close() error { return a.ln.Close() }
