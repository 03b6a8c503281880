package app

import (
	"github.com/vk/visiongraph/internal/engine"
	"github.com/vk/visiongraph/modules/pixel"
	"github.com/vk/visiongraph/modules/stats"
)

// coreModules is the definitive list of all kernel modules that are
// compiled into the visiongraph binary.
var coreModules = []engine.Module{
	&pixel.Module{},
	&stats.Module{},
}
