package schema

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"casparian/internal/wire"
)

func testArrowSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
}

func buildBatch(t *testing.T, sc *arrow.Schema, ids []int64, names []string, idNulls []bool) arrow.Record {
	t.Helper()
	pool := memory.NewGoAllocator()
	idBuilder := array.NewInt64Builder(pool)
	defer idBuilder.Release()
	for i, id := range ids {
		if idNulls != nil && idNulls[i] {
			idBuilder.AppendNull()
			continue
		}
		idBuilder.Append(id)
	}
	nameBuilder := array.NewStringBuilder(pool)
	defer nameBuilder.Release()
	for _, n := range names {
		nameBuilder.Append(n)
	}
	idArr := idBuilder.NewArray()
	nameArr := nameBuilder.NewArray()
	return array.NewRecord(sc, []arrow.Array{idArr, nameArr}, int64(len(ids)))
}

func TestRegister_IdempotentSameSchema(t *testing.T) {
	s := New()
	raw := `{"b":1,"a":2}`
	h1, err := s.Register("evtx", "0.1.0", "events", raw, nil, testArrowSchema())
	require.NoError(t, err)
	h2, err := s.Register("evtx", "0.1.0", "events", raw, nil, testArrowSchema())
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestRegister_ConflictOnDifferentSchema(t *testing.T) {
	s := New()
	_, err := s.Register("foo", "1.0.0", "x", `{"a":1}`, nil, testArrowSchema())
	require.NoError(t, err)

	_, err = s.Register("foo", "1.0.0", "x", `{"a":2}`, nil, testArrowSchema())
	require.Error(t, err)
}

func TestHashCanonicalSchema_MatchesBlake3OfCanonical(t *testing.T) {
	s := New()
	hash, err := s.Register("p", "1", "o", `{"z":1,"a":2}`, nil, testArrowSchema())
	require.NoError(t, err)

	canon, err := wire.CanonicalizeBytes([]byte(`{"z":1,"a":2}`))
	require.NoError(t, err)
	assert.Equal(t, HashCanonicalSchema(string(canon)), hash)
}

func TestTableSuffix_Deterministic(t *testing.T) {
	suffix1 := TableSuffix("abcdef0123456789fedcba")
	suffix2 := TableSuffix("abcdef0123456789fedcba")
	assert.Equal(t, suffix1, suffix2)
	assert.Len(t, suffix1, 16)
}

func TestValidateBatch_Ok(t *testing.T) {
	s := New()
	sc := testArrowSchema()
	hash, err := s.Register("p", "1", "o", `{}`, nil, sc)
	require.NoError(t, err)

	batch := buildBatch(t, sc, []int64{1, 2}, []string{"a", "b"}, nil)
	defer batch.Release()

	result, quarantined, err := s.ValidateBatch(hash, batch)
	require.NoError(t, err)
	assert.Equal(t, ResultOk, result)
	assert.Empty(t, quarantined)
}

func TestValidateBatch_FatalOnFieldCountMismatch(t *testing.T) {
	s := New()
	sc := testArrowSchema()
	hash, err := s.Register("p", "1", "o", `{}`, nil, sc)
	require.NoError(t, err)

	badSchema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
	}, nil)
	batch := buildBatch(t, badSchema, []int64{1}, nil, nil)
	defer batch.Release()

	result, _, err := s.ValidateBatch(hash, batch)
	require.Error(t, err)
	assert.Equal(t, ResultFatal, result)
}

func TestValidateBatch_QuarantinesNullInRequiredColumn(t *testing.T) {
	s := New()
	sc := testArrowSchema()
	hash, err := s.Register("p", "1", "o", `{}`, nil, sc)
	require.NoError(t, err)

	batch := buildBatch(t, sc, []int64{1, 0}, []string{"a", "b"}, []bool{false, true})
	defer batch.Release()

	result, quarantined, err := s.ValidateBatch(hash, batch)
	require.Error(t, err)
	assert.Equal(t, ResultQuarantine, result)
	assert.Equal(t, []int{1}, quarantined)
}
