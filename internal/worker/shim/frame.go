// Package shim implements the embedded-interpreter worker runtime (C6.1):
// a yaegi-hosted plugin guest connected to the host over a framed loopback
// socket.
//
// Grounded on internal/autopoiesis/yaegi_executor.go (sandboxed interpreter
// construction, stdlib-symbol whitelist, timeout-via-context) and
// internal/mcp/transport_stdio.go (reader-goroutine/pending-request
// bookkeeping, generalized here from stdio pipes to a TCP loopback conn).
package shim

import (
	"encoding/binary"
	"fmt"
	"io"

	"casparian/internal/wire"
)

// frameKind distinguishes the two payload shapes a frame may carry.
type frameKind byte

const (
	frameControl frameKind = 0 // canonical-JSON control frame
	frameBatch   frameKind = 1 // one complete Arrow IPC stream
)

// controlFrame is the JSON shape of a frameControl payload. Op selects
// which wire.OpCode it represents; the remaining fields are populated
// according to op, mirroring the native runtime's NDJSON control frames.
type controlFrame struct {
	Op      wire.OpCode `json:"op"`
	Command *wire.DispatchCommand `json:"command,omitempty"`
	Output  string `json:"output,omitempty"`
	SchemaHash string `json:"schema_hash,omitempty"`
	StreamIndex int `json:"stream_index,omitempty"`
	RowsEmitted int64 `json:"rows_emitted,omitempty"`
	Progress *wire.ProgressUpdate `json:"progress,omitempty"`
	Message string `json:"message,omitempty"`
	Receipt *wire.JobReceipt `json:"receipt,omitempty"`
}

// writeFrame writes a 4-byte big-endian length prefix, a 1-byte kind tag,
// then payload.
func writeFrame(w io.Writer, kind frameKind, payload []byte) error {
	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)+1))
	header[4] = byte(kind)
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("shim: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("shim: write frame payload: %w", err)
	}
	return nil
}

// readFrame reads one frame, returning its kind and payload (excluding the
// kind byte).
func readFrame(r io.Reader) (frameKind, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header[0:4])
	if length == 0 {
		return 0, nil, fmt.Errorf("shim: zero-length frame")
	}
	kind := frameKind(header[4])
	payload := make([]byte, length-1)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("shim: read frame payload: %w", err)
	}
	return kind, payload, nil
}
