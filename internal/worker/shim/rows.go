package shim

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// buildRecord assembles an arrow.Record from plugin-supplied rows, each a
// map from field name to Go value, against the declared output schema.
// Missing or nil values become nulls; the plugin guest trades type safety
// for simplicity here, same trade the schema validator polices downstream.
func buildRecord(schema *arrow.Schema, rows []map[string]any) (arrow.Record, error) {
	pool := memory.NewGoAllocator()
	builders := make([]array.Builder, schema.NumFields())
	for i, f := range schema.Fields() {
		b, err := newBuilder(pool, f.Type)
		if err != nil {
			return nil, err
		}
		builders[i] = b
	}
	defer func() {
		for _, b := range builders {
			b.Release()
		}
	}()

	for _, row := range rows {
		for i, f := range schema.Fields() {
			v, ok := row[f.Name]
			if err := appendValue(builders[i], v, ok); err != nil {
				return nil, fmt.Errorf("shim: field %s: %w", f.Name, err)
			}
		}
	}

	cols := make([]arrow.Array, len(builders))
	for i, b := range builders {
		cols[i] = b.NewArray()
		defer cols[i].Release()
	}
	return array.NewRecord(schema, cols, int64(len(rows))), nil
}

func newBuilder(pool memory.Allocator, dt arrow.DataType) (array.Builder, error) {
	switch dt.ID() {
	case arrow.INT64:
		return array.NewInt64Builder(pool), nil
	case arrow.FLOAT64:
		return array.NewFloat64Builder(pool), nil
	case arrow.STRING:
		return array.NewStringBuilder(pool), nil
	case arrow.BOOL:
		return array.NewBooleanBuilder(pool), nil
	default:
		return nil, fmt.Errorf("shim: unsupported field type %s for interpreted plugin output", dt)
	}
}

func appendValue(b array.Builder, v any, present bool) error {
	if !present || v == nil {
		b.AppendNull()
		return nil
	}
	switch bb := b.(type) {
	case *array.Int64Builder:
		switch n := v.(type) {
		case int64:
			bb.Append(n)
		case int:
			bb.Append(int64(n))
		case float64:
			bb.Append(int64(n))
		default:
			return fmt.Errorf("expected int64-compatible value, got %T", v)
		}
	case *array.Float64Builder:
		switch n := v.(type) {
		case float64:
			bb.Append(n)
		case int64:
			bb.Append(float64(n))
		case int:
			bb.Append(float64(n))
		default:
			return fmt.Errorf("expected float64-compatible value, got %T", v)
		}
	case *array.StringBuilder:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string value, got %T", v)
		}
		bb.Append(s)
	case *array.BooleanBuilder:
		bl, ok := v.(bool)
		if !ok {
			return fmt.Errorf("expected bool value, got %T", v)
		}
		bb.Append(bl)
	default:
		return fmt.Errorf("unreachable builder type %T", b)
	}
	return nil
}
