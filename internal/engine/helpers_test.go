package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vk/visiongraph/internal/config"
	"github.com/vk/visiongraph/internal/status"
)

const (
	enumCopy KernelEnum = 0x7001 + iota
	enumAdd
	enumProbe
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEngine builds an engine on the default configuration, adjusted by
// mutate, and releases it when the test ends.
func newTestEngine(t *testing.T, mutate ...func(*config.Engine)) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Workers = 4
	for _, m := range mutate {
		m(&cfg)
	}
	e, err := New(context.Background(), cfg, WithLogger(discardLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Release() })
	return e
}

// recorder collects the nodes kernels ran for, in order.
type recorder struct {
	mu    sync.Mutex
	nodes []*Node
}

func (r *recorder) add(n *Node) {
	r.mu.Lock()
	r.nodes = append(r.nodes, n)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []*Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Node, len(r.nodes))
	copy(out, r.nodes)
	return out
}

func (r *recorder) count(n *Node) int {
	c := 0
	for _, m := range r.snapshot() {
		if m == n {
			c++
		}
	}
	return c
}

func requireU8(n *Node, index int) error {
	img, ok := n.ParameterRef(index).(*Image)
	if !ok {
		return status.Errorf(status.InvalidType, "parameter %d is not an image", index)
	}
	if img.Format() != DFImageU8 {
		return status.Errorf(status.InvalidFormat, "parameter %d is %s, needs U008", index, img.Format())
	}
	return nil
}

func sameAsInput(n *Node, _ int, meta *MetaFormat) error {
	in := n.ParameterRef(0).(*Image)
	return meta.SetImage(in.Width(), in.Height(), in.Format())
}

// addCopyKernel publishes name as a U8 image copy: in(0) -> out(1).
func addCopyKernel(t *testing.T, e *Engine, name string, enum KernelEnum, rec *recorder) *Kernel {
	t.Helper()
	fn := FunctionFunc(func(_ context.Context, n *Node, params []Ref) error {
		if rec != nil {
			rec.add(n)
		}
		return copyImage(params[0].(*Image), params[1].(*Image))
	})
	k, err := e.AddKernel(name, enum, fn, 2, InputValidatorFunc(requireU8), OutputValidatorFunc(sameAsInput), nil, nil)
	require.NoError(t, err)
	require.NoError(t, k.AddParameter(0, Input, TypeImage, Required))
	require.NoError(t, k.AddParameter(1, Output, TypeImage, Required))
	require.NoError(t, k.Finalize())
	return k
}

// addAddKernel publishes a saturating U8 add: in(0) + in(1) -> out(2).
func addAddKernel(t *testing.T, e *Engine, rec *recorder) *Kernel {
	t.Helper()
	fn := FunctionFunc(func(_ context.Context, n *Node, params []Ref) error {
		if rec != nil {
			rec.add(n)
		}
		a, b, out := params[0].(*Image), params[1].(*Image), params[2].(*Image)
		pa, err := readPixels(a)
		if err != nil {
			return err
		}
		pb, err := readPixels(b)
		if err != nil {
			return err
		}
		sum := make([]byte, len(pa))
		for i := range pa {
			sum[i] = byte(min(int(pa[i])+int(pb[i]), 255))
		}
		return writePixels(out, sum)
	})
	k, err := e.AddKernel("test.add", enumAdd, fn, 3, InputValidatorFunc(requireU8), OutputValidatorFunc(sameAsInput), nil, nil)
	require.NoError(t, err)
	require.NoError(t, k.AddParameter(0, Input, TypeImage, Required))
	require.NoError(t, k.AddParameter(1, Input, TypeImage, Required))
	require.NoError(t, k.AddParameter(2, Output, TypeImage, Required))
	require.NoError(t, k.Finalize())
	return k
}

func copyImage(in, out *Image) error {
	px, err := readPixels(in)
	if err != nil {
		return err
	}
	return writePixels(out, px)
}

// readPixels returns plane 0 of img packed row after row.
func readPixels(img *Image) ([]byte, error) {
	rect := Rectangle{EndX: img.Width(), EndY: img.Height()}
	var addr PatchAddressing
	buf, err := img.AccessPatch(rect, 0, &addr, nil, ReadOnly)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, img.CommitPatch(rect, 0, addr, buf)
}

// writePixels stores px, packed row after row, into plane 0 of img.
func writePixels(img *Image, px []byte) error {
	rect := Rectangle{EndX: img.Width(), EndY: img.Height()}
	var addr PatchAddressing
	buf, err := img.AccessPatch(rect, 0, &addr, nil, WriteOnly)
	if err != nil {
		return err
	}
	row := rect.Width() * addr.StrideX
	for y := 0; y < rect.Height(); y++ {
		off := addr.Offset2D(0, y)
		copy(buf[off:off+row], px[y*row:(y+1)*row])
	}
	return img.CommitPatch(rect, 0, addr, buf)
}

func newU8(t *testing.T, e *Engine, w, h int) *Image {
	t.Helper()
	img, err := e.CreateImage(w, h, DFImageU8)
	require.NoError(t, err)
	return img
}

func ramp(w, h int) []byte {
	px := make([]byte, w*h)
	for i := range px {
		px[i] = byte(i % 251)
	}
	return px
}
