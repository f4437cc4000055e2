package simd

import "math"

// ExpFast is a fast approximation of exp(x)
// Uses the identity exp(x) = 2^(x/ln2) and a polynomial approximation
func ExpFast(x float32) float32 {
	// Clamp to the float32 range
	if x > 88 {
		return math.MaxFloat32
	}
	if x < -87 {
		return 0
	}

	// exp(x) = 2^(x * log2(e))
	// log2(e) ≈ 1.4426950408889634
	const log2e = 1.4426950408889634

	t := x * log2e
	k := int(t)
	if t < 0 {
		k--
	}

	// Fractional part in [0, 1)
	f := t - float32(k)

	// Polynomial approximation for 2^f where f in [0, 1)
	// 2^f ≈ 1 + f*ln(2) + f^2*ln(2)^2/2 + ...
	p := 1 + f*(0.6931472+f*(0.24022651+f*0.05550411))

	// Scale by 2^k through the float32 exponent field; k is in [-126, 127]
	return p * math.Float32frombits(uint32(k+127)<<23)
}

// TanhFast is a fast approximation of tanh(x)
func TanhFast(x float32) float32 {
	// Padé approximation: tanh(x) ≈ x * (27 + x^2) / (27 + 9*x^2)
	// The rational form crosses 1 at x = 3, so clamp there
	if x > 3 {
		return 1
	}
	if x < -3 {
		return -1
	}
	x2 := x * x
	return x * (27 + x2) / (27 + 9*x2)
}

// GeluFast applies fast GELU approximation in-place
func GeluFast(data []float32) {
	const (
		sqrt2overPi = 0.7978845608
		coeff       = 0.044715
	)
	for i, x := range data {
		// GELU(x) = 0.5 * x * (1 + tanh(sqrt(2/pi) * (x + 0.044715 * x^3)))
		data[i] = 0.5 * x * (1 + TanhFast(sqrt2overPi*(x+coeff*x*x*x)))
	}
}

// Gelu returns the fast GELU approximation of a single value
func Gelu(x float32) float32 {
	const (
		sqrt2overPi = 0.7978845608
		coeff       = 0.044715
	)
	return 0.5 * x * (1 + TanhFast(sqrt2overPi*(x+coeff*x*x*x)))
}

// SoftmaxFast applies fast softmax in-place to a row
func SoftmaxFast(row []float32) {
	if len(row) == 0 {
		return
	}

	// Find max
	max := row[0]
	for _, v := range row {
		if v > max {
			max = v
		}
	}

	// Exp and sum using fast exp
	var sum float32
	for i, v := range row {
		row[i] = ExpFast(v - max)
		sum += row[i]
	}

	// Normalize
	invSum := 1 / sum
	for i := range row {
		row[i] *= invSum
	}
}

// VecAdd performs dst += src for float32 vectors
func VecAdd(dst, src []float32) {
	// Unrolled loop for better pipelining
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	// Handle remainder
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}

// VecAddScaled performs dst += src * scale for float32 vectors
func VecAddScaled(dst, src []float32, scale float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * scale
		dst[i+1] += src[i+1] * scale
		dst[i+2] += src[i+2] * scale
		dst[i+3] += src[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * scale
	}
}

// DotProduct computes the dot product of two float32 vectors
func DotProduct(a, b []float32) float32 {
	var sum float32
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] * b[i]
		sum += a[i+1] * b[i+1]
		sum += a[i+2] * b[i+2]
		sum += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// MatVecMul performs dst = mat * vec where mat is rows x cols row-major
func MatVecMul(dst []float32, mat []float32, vec []float32, rows, cols int) {
	for i := 0; i < rows; i++ {
		rowStart := i * cols
		row := mat[rowStart : rowStart+cols]
		dst[i] = DotProduct(row, vec)
	}
}
