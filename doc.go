// Package websock implements a non-blocking WebSocket endpoint library
// conforming to RFC 6455.
//
// Unlike goroutine-per-connection libraries, websock is built around a
// single-threaded event loop. Each connection is owned by an Engine, a
// buffered state machine that consumes byte chunks of arbitrary size and
// yields Update events. A Driver multiplexes many engines over a readiness
// primitive and pumps them serially, so no engine state is ever touched by
// more than one goroutine.
//
// Use NewServer to accept inbound connections and Dial to initiate one.
// Callers iterate the update stream returned by Update and react to the
// events they care about:
//
//	srv, _ := websock.NewServer(websock.ServerOptions{Port: 8080})
//	for {
//		for _, u := range srv.Update() {
//			switch u.Kind {
//			case websock.UpdateNewConnection:
//				u.Conn.Accept("")
//			case websock.UpdateRead:
//				u.Conn.Write(u.Payload, u.Opcode, true)
//			}
//		}
//	}
//
// TLS is treated as a transport wrapper; pass a tls.Config to the server
// options or set UseTLS on DialOptions.
package websock // import "oxtail.dev/websock"
