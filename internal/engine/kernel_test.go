package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/visiongraph/internal/config"
	"github.com/vk/visiongraph/internal/status"
)

func TestKernelByName(t *testing.T) {
	e := newTestEngine(t)
	k := addCopyKernel(t, e, "test.copy", enumCopy, nil)
	fast := addCopyKernel(t, e, "test.copy:fast", enumCopy, nil)
	assert.Equal(t, "test.copy:fast", fast.Name())
	assert.Equal(t, config.SoftwareTarget, fast.TargetName())

	testCases := []struct {
		name string
		want *Kernel
	}{
		{"test.copy", k},
		{"khronos.software:test.copy", k},
		{"default:test.copy", k},
		{"performance:test.copy", k},
		{"power:test.copy:default", k},
		{"test.copy:fast", fast},
		{"khronos.software:test.copy:fast", fast},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := e.KernelByName(tc.name)
			require.NoError(t, err)
			assert.Same(t, tc.want, got)
			require.NoError(t, got.Release())
		})
	}

	for _, name := range []string{"test.missing", "test.copy:slow", "other.target:test.copy"} {
		_, err := e.KernelByName(name)
		assert.Equal(t, status.InvalidReference, status.FromError(err), name)
	}
	_, err := e.KernelByName("a:b:c:d")
	assert.Equal(t, status.InvalidParameters, status.FromError(err))
}

func TestKernelByEnum(t *testing.T) {
	e := newTestEngine(t)
	k := addCopyKernel(t, e, "test.copy", enumCopy, nil)

	got, err := e.KernelByEnum(enumCopy)
	require.NoError(t, err)
	assert.Same(t, k, got)
	require.NoError(t, got.Release())

	_, err = e.KernelByEnum(enumProbe)
	assert.Equal(t, status.InvalidReference, status.FromError(err))
}

func TestKernel_Declaration(t *testing.T) {
	e := newTestEngine(t)
	fn := FunctionFunc(func(context.Context, *Node, []Ref) error { return nil })
	in := InputValidatorFunc(requireU8)
	out := OutputValidatorFunc(sameAsInput)

	t.Run("undeclared parameter", func(t *testing.T) {
		k, err := e.AddKernel("test.partial", enumProbe, fn, 2, in, out, nil, nil)
		require.NoError(t, err)
		require.NoError(t, k.AddParameter(0, Input, TypeImage, Required))
		err = k.Finalize()
		assert.Equal(t, status.InvalidParameters, status.FromError(err))
		assert.False(t, k.Enabled())

		_, err = e.KernelByName("test.partial")
		assert.Equal(t, status.InvalidReference, status.FromError(err))
	})

	t.Run("invalid declarations", func(t *testing.T) {
		k, err := e.AddKernel("test.decl", enumProbe, fn, 1, in, out, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, status.InvalidParameters, status.FromError(k.AddParameter(1, Input, TypeImage, Required)))
		assert.Equal(t, status.InvalidParameters, status.FromError(k.AddParameter(0, Direction(9), TypeImage, Required)))
		assert.Equal(t, status.InvalidParameters, status.FromError(k.AddParameter(0, Input, TypeImage, ParamState(9))))

		require.NoError(t, k.AddParameter(0, Input, TypeImage, Optional))
		info, err := k.ParameterByIndex(0)
		require.NoError(t, err)
		assert.Equal(t, ParamInfo{Index: 0, Direction: Input, Type: TypeImage, State: Optional}, info)

		require.NoError(t, k.Finalize())
		assert.Equal(t, status.NotSupported, status.FromError(k.AddParameter(0, Input, TypeImage, Required)))
		assert.Equal(t, status.NotSupported, status.FromError(k.SetLocalDataSize(16)))
	})

	t.Run("missing pieces", func(t *testing.T) {
		_, err := e.AddKernel("test.nofn", enumProbe, nil, 1, in, out, nil, nil)
		assert.Equal(t, status.InvalidParameters, status.FromError(err))
		_, err = e.AddKernel("test.noval", enumProbe, fn, 1, nil, out, nil, nil)
		assert.Equal(t, status.InvalidParameters, status.FromError(err))
		_, err = e.AddKernel("test.many", enumProbe, fn, 99, in, out, nil, nil)
		assert.Equal(t, status.InvalidParameters, status.FromError(err))
		k, err := e.AddKernel("test.none", enumProbe, fn, 0, in, out, nil, nil)
		assert.Equal(t, status.InvalidParameters, status.FromError(err))
		assert.Nil(t, k)
		_, err = e.AddKernel("nowhere:test.x:v", enumProbe, fn, 1, in, out, nil, nil)
		assert.Equal(t, status.InvalidParameters, status.FromError(err))
	})
}

func TestKernel_Counts(t *testing.T) {
	e := newTestEngine(t)
	addCopyKernel(t, e, "test.copy", enumCopy, nil)
	addCopyKernel(t, e, "test.copy:fast", enumCopy, nil)
	addAddKernel(t, e, nil)

	info := e.Info()
	assert.Equal(t, 3, info.NumKernels)
	assert.Equal(t, 2, info.NumUniqueKernels)

	kernels := e.Kernels()
	require.Len(t, kernels, 2)
	assert.Equal(t, KernelInfo{Enum: enumCopy, Name: "test.copy", Target: config.SoftwareTarget}, kernels[0])
	assert.Equal(t, enumAdd, kernels[1].Enum)
}

func TestKernel_Remove(t *testing.T) {
	e := newTestEngine(t)
	k := addCopyKernel(t, e, "test.copy", enumCopy, nil)
	g, err := e.CreateGraph()
	require.NoError(t, err)
	n, err := g.CreateNodeWith(k, newU8(t, e, 4, 4), newU8(t, e, 4, 4))
	require.NoError(t, err)

	err = k.Remove()
	assert.Equal(t, status.ReferenceNonzero, status.FromError(err))

	require.NoError(t, n.Remove())
	require.NoError(t, k.Remove())
	assert.False(t, IsValid(k))
	assert.Zero(t, e.Info().NumKernels)
	_, err = e.KernelByName("test.copy")
	assert.Equal(t, status.InvalidReference, status.FromError(err))
}

type fakeModule struct {
	name    string
	err     error
	publish int
}

func (m *fakeModule) Name() string { return m.name }

func (m *fakeModule) PublishKernels(e *Engine) error {
	m.publish++
	if m.err != nil {
		return m.err
	}
	fn := FunctionFunc(func(context.Context, *Node, []Ref) error { return nil })
	k, err := e.AddKernel(m.name+".noop", enumProbe, fn, 1,
		InputValidatorFunc(func(*Node, int) error { return nil }),
		OutputValidatorFunc(func(*Node, int, *MetaFormat) error { return nil }),
		nil, nil)
	if err != nil {
		return err
	}
	if err := k.AddParameter(0, Input, TypeScalar, Required); err != nil {
		return err
	}
	return k.Finalize()
}

func TestLoadModule(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	m := &fakeModule{name: "fake"}
	require.NoError(t, e.LoadModule(ctx, m))
	require.NoError(t, e.LoadModule(ctx, m))
	assert.Equal(t, 1, m.publish)
	assert.Equal(t, []string{"fake"}, e.Modules())

	k, err := e.KernelByName("fake.noop")
	require.NoError(t, err)
	require.NoError(t, k.Release())

	boom := errors.New("boom")
	err = e.LoadModule(ctx, &fakeModule{name: "broken", err: boom})
	assert.Equal(t, status.InvalidModule, status.FromError(err))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"fake"}, e.Modules())
}
