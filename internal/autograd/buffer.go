package autograd

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// contribution is one gradient arriving at an input slot. Contributions are
// ordered by producer (sequence number descending, then output index) before
// they are summed, so the result does not depend on which worker finished
// first.
type contribution struct {
	seq   uint64
	index int
	grad  *Variable
}

// inputBuffer collects the gradients a node receives during one pass.
type inputBuffer struct {
	mu    sync.Mutex
	slots [][]contribution
}

func newInputBuffer(n int) *inputBuffer {
	return &inputBuffer{slots: make([][]contribution, n)}
}

func (b *inputBuffer) add(name string, slot int, c contribution) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if slot < 0 || slot >= len(b.slots) {
		return fmt.Errorf("%w: %s has %d inputs, got gradient for slot %d", ErrInvalidArgument, name, len(b.slots), slot)
	}
	if c.grad != nil {
		b.slots[slot] = append(b.slots[slot], c)
	}
	return nil
}

// collect sums the contributions of every slot. With differentiable set the
// sums are built with Add so they become part of the graph.
func (b *inputBuffer) collect(ctx context.Context, differentiable bool) ([]*Variable, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*Variable, len(b.slots))
	for i, cs := range b.slots {
		if len(cs) == 0 {
			continue
		}
		slices.SortFunc(cs, func(x, y contribution) int {
			switch {
			case x.seq > y.seq:
				return -1
			case x.seq < y.seq:
				return 1
			default:
				return x.index - y.index
			}
		})

		acc := cs[0].grad
		for _, c := range cs[1:] {
			var err error
			if acc, err = accumulate(ctx, acc, c.grad, differentiable); err != nil {
				return nil, err
			}
		}
		out[i] = acc
	}
	return out, nil
}

func accumulate(ctx context.Context, a, b *Variable, differentiable bool) (*Variable, error) {
	if differentiable {
		return Add(ctx, a, b)
	}
	sum, err := FromContext(ctx).Backend().Add(a.Data(), b.Data())
	if err != nil {
		return nil, fmt.Errorf("%w: accumulating gradients: %w", ErrInvalidArgument, err)
	}
	return NewVariable(sum, false), nil
}

func allUndefined(vs []*Variable) bool {
	for _, v := range vs {
		if v != nil {
			return false
		}
	}
	return true
}
