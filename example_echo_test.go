package websock_test

import (
	"log"
	"net"
	"strconv"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"oxtail.dev/websock"
	"oxtail.dev/websock/internal/test/assert"
)

// Example_echo runs an echo server that limits how many messages per
// second it is willing to reflect, closing the connection of a peer
// that exceeds it with a policy violation.
func Example_echo() {
	srv, err := websock.NewServer(websock.ServerOptions{Port: 8080})
	if err != nil {
		log.Fatal(err)
	}
	defer srv.Close()

	limiters := map[int64]*rate.Limiter{}
	for {
		for _, u := range srv.Update() {
			switch u.Kind {
			case websock.UpdateNewConnection:
				u.Conn.Accept("")
				limiters[u.Conn.Index()] = rate.NewLimiter(rate.Every(time.Millisecond*100), 10)
			case websock.UpdateRead:
				if !limiters[u.Conn.Index()].Allow() {
					u.Conn.SendClose(websock.StatusPolicyViolation, "rate limited")
					u.Conn.CloseAfterWrite()
					continue
				}
				u.Conn.Write(u.Payload, u.Opcode, true)
			case websock.UpdateReadDisconnect, websock.UpdateSockDisconnect:
				delete(limiters, u.Conn.Index())
			}
		}
	}
}

// An echo server shaped like the one above, with a single shared
// limiter of its own, exercised end to end by a websock client staying
// under the limit.
func TestEchoRateLimited(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Success(t, err)

	srv, err := websock.NewServerListener(ln, websock.ServerOptions{
		SelectTimeout: time.Millisecond * 20,
	})
	assert.Success(t, err)

	done := make(chan error, 1)
	go func() {
		defer srv.Close()

		l := rate.NewLimiter(rate.Every(time.Millisecond), 100)
		deadline := time.Now().Add(time.Second * 10)
		for time.Now().Before(deadline) {
			for _, u := range srv.Update() {
				switch u.Kind {
				case websock.UpdateNewConnection:
					u.Conn.Accept("")
				case websock.UpdateRead:
					if !l.Allow() {
						u.Conn.SendClose(websock.StatusPolicyViolation, "rate limited")
						u.Conn.CloseAfterWrite()
						continue
					}
					u.Conn.Write(u.Payload, u.Opcode, true)
				case websock.UpdateReadDisconnect:
					for i := 0; i < 50 && srv.Len() > 0; i++ {
						srv.Update()
					}
					done <- nil
					return
				}
			}
		}
		done <- errTimeout
	}()

	addr := ln.Addr().(*net.TCPAddr)
	e, err := websock.Dial(websock.DialOptions{
		Host: "127.0.0.1",
		Port: addr.Port,
	})
	assert.Success(t, err)

	d := websock.NewDriver(nil)
	d.Add(e)

	const messages = 3
	var echoes []string
	deadline := time.Now().Add(time.Second * 10)
	for d.Len() > 0 && time.Now().Before(deadline) {
		for _, u := range d.UpdateTimeout(time.Millisecond * 20) {
			switch u.Kind {
			case websock.UpdateConnectionAccepted:
				for i := 0; i < messages; i++ {
					err := e.Write([]byte("echo "+strconv.Itoa(i)), websock.OpText, true)
					assert.Success(t, err)
				}
			case websock.UpdateRead:
				echoes = append(echoes, string(u.Payload))
				if len(echoes) == messages {
					e.SendClose(websock.StatusNormalClosure, "")
					e.CloseAfterWrite()
				}
			case websock.UpdateConnectionDenied, websock.UpdateReadError, websock.UpdateWriteError:
				t.Fatalf("unexpected update %v: %v", u.Kind, u.Err)
			}
		}
	}

	assert.Equal(t, "echoes", []string{"echo 0", "echo 1", "echo 2"}, echoes)

	select {
	case err := <-done:
		assert.Success(t, err)
	case <-time.After(time.Second * 10):
		t.Fatal("server did not finish")
	}
}
