package shim

import (
	"bytes"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/require"

	"casparian/internal/wire"
)

func testSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
}

func TestBuildRecord_NullsAbsentFields(t *testing.T) {
	rec, err := buildRecord(testSchema(), []map[string]any{
		{"id": int64(1), "name": "a"},
		{"id": int64(2)},
	})
	require.NoError(t, err)
	defer rec.Release()

	require.Equal(t, int64(2), rec.NumRows())
	require.True(t, rec.Column(1).IsNull(1))
	require.False(t, rec.Column(1).IsNull(0))
}

func TestBuildRecord_RejectsTypeMismatch(t *testing.T) {
	_, err := buildRecord(testSchema(), []map[string]any{
		{"id": "not-a-number", "name": "a"},
	})
	require.Error(t, err)
}

func TestFrame_WriteReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, frameControl, []byte(`{"op":"progress"}`)))

	kind, payload, err := readFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, frameControl, kind)
	require.JSONEq(t, `{"op":"progress"}`, string(payload))
}

func TestFrame_RejectsZeroLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0, 0})
	_, _, err := readFrame(&buf)
	require.Error(t, err)
}

func TestBridge_FlushOutputProducesBracketedFrames(t *testing.T) {
	var buf bytes.Buffer
	cmd := wire.DispatchCommand{
		JobID:                      "job1",
		ExpectedOutputSchemaHashes: map[string]string{"events": "hash1"},
	}
	b := NewBridge(&buf, cmd, map[string]*arrow.Schema{"events": testSchema()})
	b.EmitRow("events", map[string]any{"id": int64(1), "name": "x"})
	require.NoError(t, b.FlushOutput("events"))

	kind, payload, err := readFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, frameControl, kind)
	require.Contains(t, string(payload), `"output_begin"`)

	kind, _, err = readFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, frameBatch, kind)

	kind, payload, err = readFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, frameControl, kind)
	require.Contains(t, string(payload), `"output_end"`)
}

func TestBridge_ConcludeFlushesBufferedOutputsThenReceipt(t *testing.T) {
	var buf bytes.Buffer
	cmd := wire.DispatchCommand{
		JobID:                      "job1",
		ExpectedOutputSchemaHashes: map[string]string{"events": "hash1"},
	}
	b := NewBridge(&buf, cmd, map[string]*arrow.Schema{"events": testSchema()})
	b.EmitRow("events", map[string]any{"id": int64(1), "name": "x"})

	require.NoError(t, b.Conclude(wire.JobReceipt{Status: wire.ReceiptSuccess}))

	var lastOp string
	for {
		kind, payload, err := readFrame(&buf)
		if err != nil {
			break
		}
		if kind != frameControl {
			continue
		}
		cf, derr := decodeControlFrame(payload)
		require.NoError(t, derr)
		lastOp = string(cf.Op)
	}
	require.Equal(t, string(wire.OpConclude), lastOp)
}
