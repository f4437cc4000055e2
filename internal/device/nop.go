package device

// Nop is the no-accelerator capability: never available, every call
// errors. The executor treats it as a permanent CPU fallback.
type Nop struct{}

func (Nop) Name() string      { return "none" }
func (Nop) IsAvailable() bool { return false }

func (Nop) AllocBuffer(int) (BufferID, error) { return 0, ErrUnavailable }
func (Nop) ReleaseBuffer(BufferID)            {}

func (Nop) CopyToDevice(BufferID, []float32) error   { return ErrUnavailable }
func (Nop) CopyFromDevice([]float32, BufferID) error { return ErrUnavailable }

func (Nop) MatMul(a, b, c BufferID, m, n, k int) error { return ErrUnavailable }

func (Nop) FusedLinear(a, b, bias, c BufferID, m, n, k int, act Activation) error {
	return ErrUnavailable
}
