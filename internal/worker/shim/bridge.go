package shim

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"

	"casparian/internal/wire"
)

// Bridge is the host-provided API a yaegi-interpreted plugin's Run function
// calls into. Exported as a stdlib-style symbol so interpreted code writes
// plain Go against it: `func Run(b *shim.Bridge) error { ... b.EmitRow(...) }`.
type Bridge struct {
	mu     sync.Mutex
	conn   io.Writer
	schemas map[string]*arrow.Schema // output -> declared schema
	hashes  map[string]string        // output -> expected schema_hash

	streamIndex int
	buffered    map[string][]map[string]any
}

// NewBridge constructs the host-side API surface for one dispatched job.
func NewBridge(conn io.Writer, cmd wire.DispatchCommand, outputSchemas map[string]*arrow.Schema) *Bridge {
	return &Bridge{
		conn:     conn,
		schemas:  outputSchemas,
		hashes:   cmd.ExpectedOutputSchemaHashes,
		buffered: make(map[string][]map[string]any),
	}
}

// EmitRow buffers one row for output, keyed by field name. Rows are
// flushed into one Arrow batch per output by FlushOutput (or implicitly by
// Conclude for any output never explicitly flushed).
func (b *Bridge) EmitRow(output string, row map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buffered[output] = append(b.buffered[output], row)
}

// FlushOutput writes all rows buffered for output as one bracketed
// output_begin/batch/output_end sequence, per the wire protocol's
// single-output-stream-at-a-time contract.
func (b *Bridge) FlushOutput(output string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(output)
}

func (b *Bridge) flushLocked(output string) error {
	rows := b.buffered[output]
	delete(b.buffered, output)

	schema, ok := b.schemas[output]
	if !ok {
		return fmt.Errorf("shim: bridge has no declared schema for output %q", output)
	}
	hash := b.hashes[output]
	idx := b.streamIndex
	b.streamIndex++

	if err := b.writeControl(controlFrame{Op: wire.OpOutputBegin, Output: output, SchemaHash: hash, StreamIndex: idx}); err != nil {
		return err
	}

	record, err := buildRecord(schema, rows)
	if err != nil {
		return err
	}
	defer record.Release()

	if err := b.writeBatch(record); err != nil {
		return err
	}

	return b.writeControl(controlFrame{Op: wire.OpOutputEnd, Output: output, RowsEmitted: int64(len(rows)), StreamIndex: idx})
}

// Progress forwards an in-flight progress frame to the host.
func (b *Bridge) Progress(itemsProcessed, itemsTotal int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeControl(controlFrame{Op: wire.OpProgress, Progress: &wire.ProgressUpdate{
		ItemsProcessed: itemsProcessed, ItemsTotal: itemsTotal,
	}})
}

// Warn sends a non-fatal diagnostic.
func (b *Bridge) Warn(message string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeControl(controlFrame{Op: wire.OpWarning, Message: message})
}

// Conclude flushes any still-buffered outputs and sends the terminal
// JobReceipt. Must be the plugin's last call into the bridge.
func (b *Bridge) Conclude(receipt wire.JobReceipt) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for output := range b.buffered {
		if err := b.flushLocked(output); err != nil {
			return err
		}
	}
	return b.writeControl(controlFrame{Op: wire.OpConclude, Receipt: &receipt})
}

func (b *Bridge) writeControl(cf controlFrame) error {
	payload, err := wire.Canonical(cf)
	if err != nil {
		return fmt.Errorf("shim: marshal control frame: %w", err)
	}
	return writeFrame(b.conn, frameControl, payload)
}

// writeBatch encodes record as a complete, self-contained Arrow IPC stream
// (schema message plus one record batch plus EOS) and writes it as a single
// frameBatch payload.
func (b *Bridge) writeBatch(record arrow.Record) error {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(record.Schema()))
	if err := w.Write(record); err != nil {
		return fmt.Errorf("shim: write arrow batch: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("shim: close arrow ipc stream: %w", err)
	}
	return writeFrame(b.conn, frameBatch, buf.Bytes())
}
