// Package client ships per-step generation telemetry to an Arrow Flight
// collector, guarded by a circuit breaker so a dead collector never
// stalls the generation loop.
package client

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// StepRow is one generation step flattened for the telemetry schema.
type StepRow struct {
	Step  int64
	Ratio float64
	Out   []float32
}

// RecordBuilder creates Arrow records from generation step outputs.
type RecordBuilder struct {
	mem memory.Allocator
}

func NewRecordBuilder(mem memory.Allocator) *RecordBuilder {
	return &RecordBuilder{mem: mem}
}

// BuildRecord converts a batch of step rows into an Arrow record with
// step, compression_ratio and out columns. An empty batch yields nil.
func (b *RecordBuilder) BuildRecord(rows []StepRow) (arrow.Record, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	schema := arrow.NewSchema(
		[]arrow.Field{
			{Name: "step", Type: arrow.PrimitiveTypes.Int64},
			{Name: "compression_ratio", Type: arrow.PrimitiveTypes.Float64},
			{Name: "out", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
		},
		nil,
	)

	stepBuilder := array.NewInt64Builder(b.mem)
	defer stepBuilder.Release()
	ratioBuilder := array.NewFloat64Builder(b.mem)
	defer ratioBuilder.Release()
	outBuilder := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Float32)
	defer outBuilder.Release()
	valueBuilder := outBuilder.ValueBuilder().(*array.Float32Builder)

	for _, row := range rows {
		stepBuilder.Append(row.Step)
		ratioBuilder.Append(row.Ratio)
		outBuilder.Append(true)
		valueBuilder.AppendValues(row.Out, nil)
	}

	cols := []arrow.Array{stepBuilder.NewArray(), ratioBuilder.NewArray(), outBuilder.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	return array.NewRecord(schema, cols, int64(len(rows))), nil
}
