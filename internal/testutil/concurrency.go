package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/vk/visiongraph/internal/engine"
)

// SleeperKernel is the name of the kernel published by MockSleeperModule.
const SleeperKernel = "test.sleeper"

// MockSleeperModule is a shared, self-contained module for concurrency tests.
// Its kernel takes an int32 id scalar, an input image and an output image,
// sleeps and records when each id ran.
type MockSleeperModule struct {
	ExecutionTimes map[int32]*ExecutionRecord
	mu             sync.Mutex
	sleepDuration  time.Duration
	completionChan chan<- int32
}

// NewMockSleeperModule creates a new sleeper module for testing.
func NewMockSleeperModule(completionChan chan<- int32, sleep time.Duration) *MockSleeperModule {
	return &MockSleeperModule{
		ExecutionTimes: make(map[int32]*ExecutionRecord),
		sleepDuration:  sleep,
		completionChan: completionChan,
	}
}

// Name implements the engine.Module interface.
func (m *MockSleeperModule) Name() string { return "sleeper" }

// PublishKernels publishes the sleeper kernel.
func (m *MockSleeperModule) PublishKernels(e *engine.Engine) error {
	k, err := e.AddKernel(SleeperKernel, 0x7fff, engine.FunctionFunc(m.run), 3,
		engine.InputValidatorFunc(func(*engine.Node, int) error { return nil }),
		engine.OutputValidatorFunc(func(n *engine.Node, _ int, meta *engine.MetaFormat) error {
			in := n.ParameterRef(1).(*engine.Image)
			return meta.SetImage(in.Width(), in.Height(), in.Format())
		}), nil, nil)
	if err != nil {
		return err
	}
	for i, p := range []struct {
		dir engine.Direction
		typ engine.Type
	}{{engine.Input, engine.TypeInt32}, {engine.Input, engine.TypeImage}, {engine.Output, engine.TypeImage}} {
		if err := k.AddParameter(i, p.dir, p.typ, engine.Required); err != nil {
			return err
		}
	}
	return k.Finalize()
}

func (m *MockSleeperModule) run(ctx context.Context, _ *engine.Node, params []engine.Ref) error {
	var id int32
	if err := params[0].(*engine.Scalar).Read(&id); err != nil {
		return err
	}

	startTime := time.Now()
	select {
	case <-time.After(m.sleepDuration):
	case <-ctx.Done():
		return ctx.Err()
	}
	endTime := time.Now()

	m.mu.Lock()
	m.ExecutionTimes[id] = &ExecutionRecord{Start: startTime, End: endTime}
	m.mu.Unlock()

	if m.completionChan != nil {
		m.completionChan <- id
	}
	return nil
}

// Record returns the execution record of id, or nil.
func (m *MockSleeperModule) Record(id int32) *ExecutionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ExecutionTimes[id]
}
