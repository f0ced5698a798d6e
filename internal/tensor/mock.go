package tensor

import "sync"

// Verify that CountingBackend implements Backend.
var _ Backend = (*CountingBackend)(nil)

// CountingBackend decorates a Backend and records how often each operation
// is invoked. Tests use it to assert that masked gradients are never computed.
type CountingBackend struct {
	inner Backend

	mu    sync.Mutex
	calls map[string]int
	masks [][3]bool
}

// NewCountingBackend wraps inner.
func NewCountingBackend(inner Backend) *CountingBackend {
	return &CountingBackend{
		inner: inner,
		calls: make(map[string]int),
	}
}

// Calls returns the number of invocations of the named operation.
func (c *CountingBackend) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// ConvBackwardMasks returns the output masks passed to Conv2DBackward, in call order.
func (c *CountingBackend) ConvBackwardMasks() [][3]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][3]bool(nil), c.masks...)
}

// Reset clears all counters.
func (c *CountingBackend) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = make(map[string]int)
	c.masks = nil
}

func (c *CountingBackend) count(op string) {
	c.mu.Lock()
	c.calls[op]++
	c.mu.Unlock()
}

// Name returns the backend name.
func (c *CountingBackend) Name() string {
	return "Counting(" + c.inner.Name() + ")"
}

// Device returns the device type.
func (c *CountingBackend) Device() Device {
	return c.inner.Device()
}

// Zeros counts and forwards.
func (c *CountingBackend) Zeros(shape Shape, dtype DataType) (*RawTensor, error) {
	c.count("Zeros")
	return c.inner.Zeros(shape, dtype)
}

// Ones counts and forwards.
func (c *CountingBackend) Ones(shape Shape, dtype DataType) (*RawTensor, error) {
	c.count("Ones")
	return c.inner.Ones(shape, dtype)
}

// Add counts and forwards.
func (c *CountingBackend) Add(a, b *RawTensor) (*RawTensor, error) {
	c.count("Add")
	return c.inner.Add(a, b)
}

// Mul counts and forwards.
func (c *CountingBackend) Mul(a, b *RawTensor) (*RawTensor, error) {
	c.count("Mul")
	return c.inner.Mul(a, b)
}

// Neg counts and forwards.
func (c *CountingBackend) Neg(x *RawTensor) (*RawTensor, error) {
	c.count("Neg")
	return c.inner.Neg(x)
}

// MulScalar counts and forwards.
func (c *CountingBackend) MulScalar(x *RawTensor, scalar float64) (*RawTensor, error) {
	c.count("MulScalar")
	return c.inner.MulScalar(x, scalar)
}

// Sum counts and forwards.
func (c *CountingBackend) Sum(x *RawTensor) (*RawTensor, error) {
	c.count("Sum")
	return c.inner.Sum(x)
}

// SumTo counts and forwards.
func (c *CountingBackend) SumTo(x *RawTensor, shape Shape) (*RawTensor, error) {
	c.count("SumTo")
	return c.inner.SumTo(x, shape)
}

// Reshape counts and forwards.
func (c *CountingBackend) Reshape(x *RawTensor, shape Shape) (*RawTensor, error) {
	c.count("Reshape")
	return c.inner.Reshape(x, shape)
}

// Expand counts and forwards.
func (c *CountingBackend) Expand(x *RawTensor, shape Shape) (*RawTensor, error) {
	c.count("Expand")
	return c.inner.Expand(x, shape)
}

// Transpose counts and forwards.
func (c *CountingBackend) Transpose(x *RawTensor, dim0, dim1 int) (*RawTensor, error) {
	c.count("Transpose")
	return c.inner.Transpose(x, dim0, dim1)
}

// Narrow counts and forwards.
func (c *CountingBackend) Narrow(x *RawTensor, dim, start, length int) (*RawTensor, error) {
	c.count("Narrow")
	return c.inner.Narrow(x, dim, start, length)
}

// Cat counts and forwards.
func (c *CountingBackend) Cat(xs []*RawTensor, dim int) (*RawTensor, error) {
	c.count("Cat")
	return c.inner.Cat(xs, dim)
}

// Conv2D counts and forwards.
func (c *CountingBackend) Conv2D(input, weight, bias *RawTensor, p ConvParams) (*RawTensor, error) {
	c.count("Conv2D")
	return c.inner.Conv2D(input, weight, bias, p)
}

// Conv2DBackward counts, records the mask and forwards.
func (c *CountingBackend) Conv2DBackward(gradOutput, input, weight *RawTensor, p ConvParams, mask [3]bool) (*RawTensor, *RawTensor, *RawTensor, error) {
	c.mu.Lock()
	c.calls["Conv2DBackward"]++
	c.masks = append(c.masks, mask)
	c.mu.Unlock()
	return c.inner.Conv2DBackward(gradOutput, input, weight, p, mask)
}
