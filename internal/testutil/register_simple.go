package testutil

import "github.com/vk/visiongraph/internal/engine"

// SimpleModule is a test helper for easily creating a mock module that
// publishes kernels through a single function.
type SimpleModule struct {
	ModuleName string
	Publish    func(e *engine.Engine) error
}

// Name implements the engine.Module interface.
func (m *SimpleModule) Name() string { return m.ModuleName }

// PublishKernels implements the engine.Module interface.
func (m *SimpleModule) PublishKernels(e *engine.Engine) error {
	if m.Publish == nil {
		return nil
	}
	return m.Publish(e)
}
