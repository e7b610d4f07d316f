// Package wspb provides helpers for protobuf messages over a websock
// engine.
package wspb

import (
	"fmt"

	"github.com/golang/protobuf/proto"

	"oxtail.dev/websock"
)

// Write marshals v and enqueues it as a binary message on e.
func Write(e *websock.Engine, v proto.Message) error {
	b, err := proto.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal protobuf: %w", err)
	}
	err = e.Write(b, websock.OpBinary, true)
	if err != nil {
		return fmt.Errorf("failed to write protobuf: %w", err)
	}
	return nil
}

// Read unmarshals the message carried by a Read update into v.
func Read(u websock.Update, v proto.Message) error {
	if u.Kind != websock.UpdateRead {
		return fmt.Errorf("update %v does not carry a message", u.Kind)
	}
	if u.Opcode != websock.OpBinary {
		return fmt.Errorf("unexpected opcode for protobuf (expected %v): %v", websock.OpBinary, u.Opcode)
	}
	err := proto.Unmarshal(u.Payload, v)
	if err != nil {
		return fmt.Errorf("failed to unmarshal protobuf: %w", err)
	}
	return nil
}
