package kvcache

import (
	"errors"
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/anvil-ml/anvil/internal/tensor"
)

func rampTensor(rows, cols int, f func(i int) float32) *tensor.Tensor {
	t := tensor.New(rows, cols)
	for i := range t.Data {
		t.Data[i] = f(i)
	}
	return t
}

func TestQuantizeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		k    *tensor.Tensor
		v    *tensor.Tensor
	}{
		{
			name: "SingleBlock",
			k:    rampTensor(1, 32, func(i int) float32 { return float32(i) * 0.25 }),
			v:    rampTensor(1, 32, func(i int) float32 { return float32(31-i) * 0.1 }),
		},
		{
			name: "MultiBlock",
			k:    rampTensor(4, 32, func(i int) float32 { return float32(i%37)*0.3 - 5 }),
			v:    rampTensor(4, 32, func(i int) float32 { return float32(i%23)*0.7 + 2 }),
		},
		{
			name: "PartialLastBlock",
			k:    rampTensor(1, 40, func(i int) float32 { return float32(i)*0.5 - 10 }),
			v:    rampTensor(1, 40, func(i int) float32 { return float32(i * i % 19) }),
		},
		{
			name: "NegativeValues",
			k:    rampTensor(2, 32, func(i int) float32 { return -float32(i) * 0.125 }),
			v:    rampTensor(2, 32, func(i int) float32 { return float32(i%11) - 5.5 }),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := Quantize(tc.k, tc.v)
			require.Equal(t, tc.k.Len(), q.LenK())
			require.Equal(t, tc.v.Len(), q.LenV())

			gotK, err := q.DequantK(0, q.LenK())
			require.NoError(t, err)
			gotV, err := q.DequantV(0, q.LenV())
			require.NoError(t, err)

			checkRoundTrip(t, tc.k.Data, gotK, q.k.scales)
			checkRoundTrip(t, tc.v.Data, gotV, q.v.scales)
		})
	}
}

// checkRoundTrip asserts the per-element reconstruction error bound of
// half the owning block's scale.
func checkRoundTrip(t *testing.T, orig, got []float32, scales []float32) {
	t.Helper()
	require.Len(t, got, len(orig))
	for i := range orig {
		scale := scales[i/BlockSize]
		bound := float64(scale)/2 + 1e-5
		diff := math.Abs(float64(got[i] - orig[i]))
		if diff > bound {
			t.Fatalf("element %d: reconstructed %f from %f, error %g over bound %g",
				i, got[i], orig[i], diff, bound)
		}
	}
}

func TestQuantizeUniformBlock(t *testing.T) {
	k := rampTensor(1, 32, func(int) float32 { return 3.5 })
	v := rampTensor(1, 32, func(int) float32 { return -1.25 })
	q := Quantize(k, v)

	require.Zero(t, q.k.scales[0])
	require.Zero(t, q.v.scales[0])

	gotK, err := q.DequantK(0, 32)
	require.NoError(t, err)
	for _, x := range gotK {
		require.Equal(t, float32(3.5), x)
	}
	gotV, err := q.DequantV(0, 32)
	require.NoError(t, err)
	for _, x := range gotV {
		require.Equal(t, float32(-1.25), x)
	}
}

func TestDequantPartialRange(t *testing.T) {
	k := rampTensor(2, 32, func(i int) float32 { return float32(i) })
	q := Quantize(k, nil)

	// range spanning the block boundary
	got, err := q.DequantK(30, 34)
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i, want := range []float32{30, 31, 32, 33} {
		require.InDelta(t, want, got[i], 0.1)
	}

	// empty range is valid
	got, err = q.DequantK(5, 5)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestDequantRangeErrors(t *testing.T) {
	q := Quantize(rampTensor(1, 32, func(i int) float32 { return float32(i) }), nil)

	cases := []struct {
		name       string
		start, end int
		useV       bool
	}{
		{name: "NegativeStart", start: -1, end: 4},
		{name: "EndPastLen", start: 0, end: 33},
		{name: "StartPastEnd", start: 10, end: 5},
		{name: "EmptyValuePlane", start: 0, end: 1, useV: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var err error
			if tc.useV {
				_, err = q.DequantV(tc.start, tc.end)
			} else {
				_, err = q.DequantK(tc.start, tc.end)
			}
			require.Error(t, err)
			var re *RangeError
			require.True(t, errors.As(err, &re), "error %v is not a RangeError", err)
			require.Equal(t, tc.start, re.Start)
			require.Equal(t, tc.end, re.End)
		})
	}
}

func TestCompressionRatio(t *testing.T) {
	// 64 elements per plane: 512 original bytes against 128 code bytes
	// plus 4 blocks of 8 parameter bytes.
	k := rampTensor(2, 32, func(i int) float32 { return float32(i) })
	v := rampTensor(2, 32, func(i int) float32 { return float32(i) * 2 })
	q := Quantize(k, v)
	require.InDelta(t, 3.2, q.CompressionRatio(), 1e-9)

	empty := Quantize(nil, nil)
	require.Zero(t, empty.CompressionRatio())
}

func getMetricValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	m := <-ch
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if pb.Counter != nil {
		return pb.Counter.GetValue()
	}
	if pb.Gauge != nil {
		return pb.Gauge.GetValue()
	}
	return 0
}

func TestQuantizeMetrics(t *testing.T) {
	before := getMetricValue(t, commitsTotal)
	Quantize(rampTensor(1, 32, func(i int) float32 { return float32(i) }), nil)
	after := getMetricValue(t, commitsTotal)
	require.Equal(t, before+1, after)
}

func BenchmarkQuantize(b *testing.B) {
	k := rampTensor(64, 64, func(i int) float32 { return float32(i%97) * 0.13 })
	v := rampTensor(64, 64, func(i int) float32 { return float32(i%89) * 0.17 })
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Quantize(k, v)
	}
}

func BenchmarkDequantK(b *testing.B) {
	q := Quantize(rampTensor(64, 64, func(i int) float32 { return float32(i%97) * 0.13 }), nil)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := q.DequantK(0, q.LenK()); err != nil {
			b.Fatal(err)
		}
	}
}
