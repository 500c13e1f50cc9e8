package shim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"reflect"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"

	"casparian/internal/errs"
	"casparian/internal/schema"
	"casparian/internal/worker"
	"casparian/internal/wire"
)

// defaultGraceWindow bounds how long a cancelled guest interpreter is given
// to unwind before the host tears down the connection and returns.
const defaultGraceWindow = 3 * time.Second

// Runtime executes a plugin's Go source inside a sandboxed yaegi
// interpreter, connected to the host over a loopback TCP socket framed per
// frame.go. Grounded on internal/autopoiesis/yaegi_executor.go for the
// interpreter construction and timeout-via-context pattern.
type Runtime struct {
	log         *zap.Logger
	schemas     *schema.Store
	graceWindow time.Duration
}

// New returns a shim Runtime backed by schemas for output-schema lookup at
// dispatch time.
func New(schemas *schema.Store, log *zap.Logger) *Runtime {
	return &Runtime{log: log, schemas: schemas, graceWindow: defaultGraceWindow}
}

var _ worker.Runtime = (*Runtime)(nil)

// Run satisfies worker.Runtime. It starts a loopback listener, spawns a
// guest goroutine that builds a yaegi interpreter and evaluates cmd's
// source, then reads frames off the accepted connection until the guest
// sends Conclude or the connection closes.
func (r *Runtime) Run(ctx context.Context, cmd wire.DispatchCommand, onProgress worker.ProgressFunc) (worker.RunOutputs, error) {
	if cmd.SourceCode == nil {
		return worker.RunOutputs{}, errs.WithDetail(errs.ErrSpawnFailed, "shim runtime requires source_code, job=%s", cmd.JobID)
	}

	outputSchemas, err := r.resolveSchemas(cmd)
	if err != nil {
		return worker.RunOutputs{}, err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return worker.RunOutputs{}, errs.WithDetail(errs.ErrSpawnFailed, "listen: %v", err)
	}
	defer ln.Close()

	guestErrCh := make(chan error, 1)
	go r.runGuest(ctx, ln.Addr().String(), cmd, outputSchemas, guestErrCh)

	connCh := make(chan net.Conn, 1)
	acceptErrCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			acceptErrCh <- err
			return
		}
		connCh <- conn
	}()

	var conn net.Conn
	select {
	case conn = <-connCh:
	case err := <-acceptErrCh:
		return worker.RunOutputs{}, errs.WithDetail(errs.ErrSpawnFailed, "accept: %v", err)
	case <-ctx.Done():
		return worker.RunOutputs{}, ctx.Err()
	}
	defer conn.Close()

	return r.readOutputs(ctx, conn, cmd, onProgress, guestErrCh)
}

func (r *Runtime) resolveSchemas(cmd wire.DispatchCommand) (map[string]*arrow.Schema, error) {
	out := make(map[string]*arrow.Schema, len(cmd.ExpectedOutputSchemaHashes))
	for output := range cmd.ExpectedOutputSchemaHashes {
		contract, ok := r.schemas.Lookup(cmd.PluginName, cmd.PluginVersion, output)
		if !ok || contract.ArrowSchema == nil {
			return nil, errs.WithDetail(errs.ErrSchemaHashMismatch, "no registered arrow schema for output %q of %s@%s", output, cmd.PluginName, cmd.PluginVersion)
		}
		out[output] = contract.ArrowSchema
	}
	return out, nil
}

// runGuest dials the host listener, constructs the sandboxed interpreter,
// evaluates the plugin's source, and invokes its exported Run function
// with a *Bridge. Any error surfaces on errCh; the host side notices via
// connection closure or the channel.
func (r *Runtime) runGuest(ctx context.Context, addr string, cmd wire.DispatchCommand, outputSchemas map[string]*arrow.Schema, errCh chan<- error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		errCh <- fmt.Errorf("shim: guest dial: %w", err)
		return
	}
	defer conn.Close()

	bridge := NewBridge(conn, cmd, outputSchemas)

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		errCh <- fmt.Errorf("shim: load stdlib symbols: %w", err)
		return
	}
	if err := i.Use(bridgeSymbols(bridge)); err != nil {
		errCh <- fmt.Errorf("shim: load bridge symbols: %w", err)
		return
	}

	if _, err := i.Eval(*cmd.SourceCode); err != nil {
		errCh <- fmt.Errorf("shim: evaluate plugin source: %w", err)
		return
	}

	entry := cmd.Entrypoint
	if entry == "" {
		entry = "main.Run"
	}
	v, err := i.Eval(entry)
	if err != nil {
		errCh <- fmt.Errorf("shim: entrypoint %s not found: %w", entry, err)
		return
	}
	runFunc, ok := v.Interface().(func(*Bridge) error)
	if !ok {
		errCh <- fmt.Errorf("shim: entrypoint %s has wrong signature, want func(*shim.Bridge) error", entry)
		return
	}

	doneCh := make(chan error, 1)
	go func() {
		doneCh <- runFunc(bridge)
	}()

	select {
	case err := <-doneCh:
		errCh <- err
	case <-ctx.Done():
		// Give the guest a grace window to notice cancellation is
		// meaningless for yaegi-interpreted code (no context plumbed in);
		// the host will tear the connection down after graceWindow,
		// which unblocks any pending write in the guest.
		select {
		case err := <-doneCh:
			errCh <- err
		case <-time.After(r.graceWindow):
			errCh <- ctx.Err()
		}
	}
}

// readOutputs is the host-side frame loop: decode control frames and Arrow
// IPC batch frames off conn until Conclude arrives, assembling RunOutputs.
func (r *Runtime) readOutputs(ctx context.Context, conn net.Conn, cmd wire.DispatchCommand, onProgress worker.ProgressFunc, guestErrCh <-chan error) (worker.RunOutputs, error) {
	out := worker.RunOutputs{RowCount: make(map[string]int64)}

	var pendingOutput string

	type frameResult struct {
		kind    frameKind
		payload []byte
		err     error
	}
	frameCh := make(chan frameResult, 1)
	readNext := func() {
		go func() {
			kind, payload, err := readFrame(conn)
			frameCh <- frameResult{kind, payload, err}
		}()
	}
	readNext()

	for {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case gerr := <-guestErrCh:
			if gerr != nil {
				return out, fmt.Errorf("shim: guest error: %w", gerr)
			}
		case fr := <-frameCh:
			if fr.err != nil {
				return out, errs.WithDetail(errs.ErrMissingReceipt, "job=%s: %v", cmd.JobID, fr.err)
			}
			switch fr.kind {
			case frameControl:
				cf, err := decodeControlFrame(fr.payload)
				if err != nil {
					return out, errs.WithDetail(errs.ErrMalformedControlFrame, "job=%s: %v", cmd.JobID, err)
				}
				switch cf.Op {
				case wire.OpOutputBegin:
					if cmd.ExpectedOutputSchemaHashes[cf.Output] != cf.SchemaHash {
						return out, errs.WithDetail(errs.ErrSchemaHashMismatch, "output=%s expected=%s got=%s", cf.Output, cmd.ExpectedOutputSchemaHashes[cf.Output], cf.SchemaHash)
					}
					pendingOutput = cf.Output
				case wire.OpOutputEnd:
					out.RowCount[cf.Output] += cf.RowsEmitted
					pendingOutput = ""
				case wire.OpProgress:
					if cf.Progress != nil && onProgress != nil {
						p := *cf.Progress
						p.JobID = cmd.JobID
						onProgress(p)
					}
				case wire.OpWarning:
					out.Warnings = append(out.Warnings, cf.Message)
				case wire.OpConclude:
					if cf.Receipt != nil {
						out.Receipt = *cf.Receipt
					}
					return out, nil
				default:
					return out, errs.WithDetail(errs.ErrOrderViolation, "unexpected control op %q", cf.Op)
				}
			case frameBatch:
				if pendingOutput == "" {
					return out, errs.WithDetail(errs.ErrOrderViolation, "batch frame outside output_begin/output_end bracket")
				}
				record, err := decodeBatch(fr.payload)
				if err != nil {
					return out, errs.WithDetail(errs.ErrArrowDecode, "output=%s: %v", pendingOutput, err)
				}
				out.Batches = append(out.Batches, worker.OutputBatch{Output: pendingOutput, Batch: record})
			}
			readNext()
		}
	}
}

func decodeControlFrame(payload []byte) (controlFrame, error) {
	var cf controlFrame
	if err := json.Unmarshal(payload, &cf); err != nil {
		return controlFrame{}, err
	}
	return cf, nil
}

func decodeBatch(payload []byte) (arrow.Record, error) {
	reader, err := ipc.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer reader.Release()
	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("shim: empty arrow ipc stream")
	}
	record := reader.Record()
	record.Retain()
	return record, nil
}

// bridgeSymbols hand-builds the yaegi export table for the *Bridge type
// made available to interpreted plugin code as package "shim", plus the
// JobReceipt type and its status constants as package "wire" (mirrors
// yaegi's generated stdlib symbol tables, written by hand here since this
// is one small, stable surface rather than a whole package).
func bridgeSymbols(b *Bridge) interp.Exports {
	return interp.Exports{
		"casparian/internal/worker/shim/shim": {
			"Bridge": reflect.ValueOf((*Bridge)(nil)),
		},
		"casparian/internal/wire/wire": {
			"JobReceipt":      reflect.ValueOf((*wire.JobReceipt)(nil)),
			"ReceiptStatus":   reflect.ValueOf((*wire.ReceiptStatus)(nil)),
			"ReceiptSuccess":  reflect.ValueOf(wire.ReceiptSuccess),
			"ReceiptFailed":   reflect.ValueOf(wire.ReceiptFailed),
			"ReceiptRejected": reflect.ValueOf(wire.ReceiptRejected),
			"ReceiptAborted":  reflect.ValueOf(wire.ReceiptAborted),
		},
	}
}

// Plugin source evaluated by this runtime must declare package main and an
// exported entrypoint matching func(*shim.Bridge) error, e.g.:
//
//	package main
//	import (
//		"casparian/internal/wire"
//		"casparian/internal/worker/shim"
//	)
//	func Run(b *shim.Bridge) error {
//		b.EmitRow("events", map[string]any{"id": int64(1)})
//		return b.Conclude(wire.JobReceipt{Status: wire.ReceiptSuccess})
//	}
