package app

import (
	"github.com/vk/mediagrid/internal/registry"
	"github.com/vk/mediagrid/modules/decoder"
	"github.com/vk/mediagrid/modules/encoder"
	"github.com/vk/mediagrid/modules/passthrough"
	"github.com/vk/mediagrid/modules/socketio_sink"
)

// coreModules is the definitive list of all modules that are compiled into
// the mediagrid binary.
var coreModules = []registry.Module{
	&decoder.Module{},
	&encoder.Module{},
	&passthrough.Module{},
	&socketio_sink.Module{},
}
