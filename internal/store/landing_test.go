package store

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"casparian/internal/wire"
)

func buildTestBatch(t *testing.T, ids []int64) arrow.Record {
	t.Helper()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
	pool := memory.NewGoAllocator()
	idBuilder := array.NewInt64Builder(pool)
	nameBuilder := array.NewStringBuilder(pool)
	for _, id := range ids {
		idBuilder.Append(id)
		nameBuilder.Append("row")
	}
	idArr := idBuilder.NewArray()
	nameArr := nameBuilder.NewArray()
	defer idArr.Release()
	defer nameArr.Release()
	return array.NewRecord(schema, []arrow.Array{idArr, nameArr}, int64(len(ids)))
}

func TestLandOutputBatch_InsertsAndCounts(t *testing.T) {
	s := newTestStore(t)
	batch := buildTestBatch(t, []int64{1, 2, 3})
	defer batch.Release()

	landed, err := s.LandOutputBatch("events", "hash0123456789ab", []string{"id"}, batch)
	if err != nil {
		t.Fatalf("LandOutputBatch: %v", err)
	}
	if landed != 3 {
		t.Errorf("landed = %d, want 3", landed)
	}

	count, err := s.CountLandingRows("events", "hash0123456789ab")
	if err != nil {
		t.Fatalf("CountLandingRows: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestLandOutputBatch_DedupesByIdempotencyKey(t *testing.T) {
	s := newTestStore(t)
	schemaHash := "hash0123456789ab"

	first := buildTestBatch(t, []int64{1, 2})
	defer first.Release()
	if _, err := s.LandOutputBatch("events", schemaHash, []string{"id"}, first); err != nil {
		t.Fatalf("first LandOutputBatch: %v", err)
	}

	second := buildTestBatch(t, []int64{2, 3})
	defer second.Release()
	landed, err := s.LandOutputBatch("events", schemaHash, []string{"id"}, second)
	if err != nil {
		t.Fatalf("second LandOutputBatch: %v", err)
	}
	if landed != 1 {
		t.Errorf("landed = %d, want 1 (only row id=3 is new)", landed)
	}

	count, err := s.CountLandingRows("events", schemaHash)
	if err != nil {
		t.Fatalf("CountLandingRows: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestCountLandingRows_UnknownTableIsZero(t *testing.T) {
	s := newTestStore(t)
	count, err := s.CountLandingRows("never_landed", "deadbeefdeadbeef")
	if err != nil {
		t.Fatalf("CountLandingRows: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
}

func TestRealizedInput_RoundTrip(t *testing.T) {
	s := newTestStore(t)

	if _, ok, err := s.LookupRealizedInput("evtx", "0.1.0", "file:///a.evtx"); err != nil || ok {
		t.Fatalf("expected no realized input yet, ok=%v err=%v", ok, err)
	}

	receipt := wire.JobReceipt{Status: wire.ReceiptSuccess, Metrics: map[string]int64{"rows": 12345}}
	if err := s.RecordRealizedInput("evtx", "0.1.0", "file:///a.evtx", receipt); err != nil {
		t.Fatalf("RecordRealizedInput: %v", err)
	}

	got, ok, err := s.LookupRealizedInput("evtx", "0.1.0", "file:///a.evtx")
	if err != nil || !ok {
		t.Fatalf("expected realized input, ok=%v err=%v", ok, err)
	}
	if got.Status != wire.ReceiptSuccess || got.Metrics["rows"] != 12345 {
		t.Errorf("got %+v, want status=Success rows=12345", got)
	}
}
