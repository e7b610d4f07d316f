package websock

import (
	"time"
)

// Selector is the readiness primitive of the event driver.
//
// Select blocks until at least one of the given transports is ready or
// the timeout elapses, returning the ready subsets. A negative timeout
// blocks indefinitely; zero polls.
type Selector interface {
	Select(read, write, except []Transport, timeout time.Duration) (r, w, x []Transport, err error)
}
