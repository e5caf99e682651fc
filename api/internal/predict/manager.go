// Package predict selects the classification engine used for each chat.
package predict

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/plant"
)

type Manager struct {
	def     plant.Predictor
	engines map[string]plant.Predictor
	m       sync.Map // handle -> engine name
}

// NewManager registers def plus any extra engines under their Name().
func NewManager(def plant.Predictor, extra ...plant.Predictor) *Manager {
	m := &Manager{def: def, engines: map[string]plant.Predictor{def.Name(): def}}
	for _, e := range extra {
		if e != nil {
			m.engines[e.Name()] = e
		}
	}
	return m
}

func (m *Manager) Default() plant.Predictor { return m.def }

// For returns the engine chosen for handle, or the default.
func (m *Manager) For(handle string) plant.Predictor {
	if v, ok := m.m.Load(handle); ok {
		if e, ok := m.engines[v.(string)]; ok {
			return e
		}
	}
	return m.def
}

func (m *Manager) Set(handle, name string) error {
	if _, ok := m.engines[name]; !ok {
		return fmt.Errorf("unknown engine %q", name)
	}
	if name == m.def.Name() {
		m.m.Delete(handle)
		return nil
	}
	m.m.Store(handle, name)
	return nil
}

// Names lists the registered engines alphabetically.
func (m *Manager) Names() []string {
	out := make([]string, 0, len(m.engines))
	for n := range m.engines {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
