package models

// EngineCapabilities describes what an engine accepts, used to validate
// submissions before they ever touch the queue and to populate GUI forms.
type EngineCapabilities struct {
	Kind        JobKind  `json:"kind"`
	Optimizers  []string `json:"optimizers,omitempty"`
	Schedulers  []string `json:"schedulers,omitempty"`
	Samplers    []string `json:"samplers,omitempty"`
	Resolutions []int    `json:"resolutions"`
	MaxSteps    int      `json:"max_steps"`
}

// Supports reports whether value appears in the list. An empty list accepts
// everything (the engine declared no restriction).
func Supports(list []string, value string) bool {
	if len(list) == 0 {
		return true
	}
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

// SupportsResolution reports whether the resolution is accepted.
func (c *EngineCapabilities) SupportsResolution(res int) bool {
	if len(c.Resolutions) == 0 {
		return true
	}
	for _, r := range c.Resolutions {
		if r == res {
			return true
		}
	}
	return false
}
