package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jo-hoe/adgen/internal/pipeline"
)

// keepaliveTypes are the "type" values of heartbeat frames.
var keepaliveTypes = map[string]struct{}{
	"ping":      {},
	"pong":      {},
	"keepalive": {},
	"heartbeat": {},
}

// Message is a decoded frame: either a keepalive or a snapshot.
type Message struct {
	Keepalive bool
	Snapshot  *pipeline.Snapshot
}

type frameHeader struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

// Decode parses a frame. Keepalives are JSON objects whose type is one of
// the heartbeat types and that carry no job id. Everything else is decoded
// as a snapshot; its validity is checked by the reconciler.
func Decode(data []byte) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Message{}, errors.New("frame is not a JSON object")
	}
	var p frameHeader
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}
	if _, ok := keepaliveTypes[strings.ToLower(p.Type)]; ok && p.JobID == "" {
		return Message{Keepalive: true}, nil
	}
	var snap pipeline.Snapshot
	if err := json.Unmarshal(trimmed, &snap); err != nil {
		return Message{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return Message{Snapshot: &snap}, nil
}
