// Package wsjson provides helpers for JSON messages over a websock
// engine.
package wsjson

import (
	"encoding/json"
	"fmt"

	"oxtail.dev/websock"
)

// Write marshals v and enqueues it as a text message on e.
func Write(e *websock.Engine, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal json: %w", err)
	}
	err = e.Write(b, websock.OpText, true)
	if err != nil {
		return fmt.Errorf("failed to write json: %w", err)
	}
	return nil
}

// Read unmarshals the message carried by a Read update into v.
func Read(u websock.Update, v interface{}) error {
	if u.Kind != websock.UpdateRead {
		return fmt.Errorf("update %v does not carry a message", u.Kind)
	}
	if u.Opcode != websock.OpText {
		return fmt.Errorf("unexpected opcode for json (expected %v): %v", websock.OpText, u.Opcode)
	}
	err := json.Unmarshal(u.Payload, v)
	if err != nil {
		return fmt.Errorf("failed to unmarshal json: %w", err)
	}
	return nil
}
