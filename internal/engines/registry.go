package engines

import (
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/fingolabs/fingo/internal/common"
	"github.com/fingolabs/fingo/internal/interfaces"
	"github.com/fingolabs/fingo/internal/models"
)

// Registry maps job kinds to their engines.
type Registry struct {
	engines map[models.JobKind]interfaces.Engine
	order   []models.JobKind
}

// NewRegistry builds the registry with the standard engines.
func NewRegistry(logger arbor.ILogger, config *common.EnginesConfig) *Registry {
	r := &Registry{engines: make(map[models.JobKind]interfaces.Engine)}
	r.Register(NewAIToolkit(logger, config.AIToolkit))
	r.Register(NewComfyUI(logger, config.ComfyUI))
	return r
}

// Register adds or replaces the engine for its kind.
func (r *Registry) Register(engine interfaces.Engine) {
	kind := engine.Kind()
	if _, exists := r.engines[kind]; !exists {
		r.order = append(r.order, kind)
	}
	r.engines[kind] = engine
}

// Get returns the engine for the kind.
func (r *Registry) Get(kind models.JobKind) (interfaces.Engine, error) {
	engine, ok := r.engines[kind]
	if !ok {
		return nil, fmt.Errorf("no engine registered for kind %q", kind)
	}
	return engine, nil
}

// Capabilities lists every registered engine's capabilities in
// registration order.
func (r *Registry) Capabilities() []models.EngineCapabilities {
	result := make([]models.EngineCapabilities, 0, len(r.order))
	for _, kind := range r.order {
		result = append(result, r.engines[kind].Capabilities())
	}
	return result
}
