// Package viseme converts an audio loudness signal into mouth-shape
// intensities for an avatar's morph targets.
//
// A [Rig] resolves the avatar's mesh morph dictionaries against the fixed set
// of [Viseme] targets once, when the client registers its meshes. A [Driver]
// is then stepped once per render tick with the RMS of the audio at the
// playhead and produces a [Frame] that overwrites the previous one.
package viseme

import (
	"slices"
	"strings"
)

// Viseme is one mouth-shape morph target.
type Viseme int

const (
	MouthOpen Viseme = iota
	AA
	O
	U
	E
	I
)

// All lists every viseme in morph order.
var All = []Viseme{MouthOpen, AA, O, U, E, I}

var morphNames = [...]string{
	MouthOpen: "mouthOpen",
	AA:        "viseme_aa",
	O:         "viseme_O",
	U:         "viseme_U",
	E:         "viseme_E",
	I:         "viseme_I",
}

// MorphName returns the morph-target name the viseme is bound to on a mesh.
func (v Viseme) MorphName() string {
	if v < 0 || int(v) >= len(morphNames) {
		return "unknown"
	}
	return morphNames[v]
}

func (v Viseme) String() string { return v.MorphName() }

// ParseMorph returns the viseme bound to a morph-target name.
func ParseMorph(name string) (Viseme, bool) {
	for _, v := range All {
		if morphNames[v] == name {
			return v, true
		}
	}
	return 0, false
}

// Mesh is one avatar mesh as registered by the client.
type Mesh struct {
	// Name is the mesh name in the scene graph.
	Name string `json:"name"`

	// Morphs maps morph-target names to influence indices.
	Morphs map[string]int `json:"morphs"`
}

// Binding ties a viseme to a morph influence index on one mesh.
type Binding struct {
	Viseme Viseme
	Index  int
}

type meshBindings struct {
	name     string
	bindings []Binding
}

// Rig holds the viseme bindings of every mouth mesh of an avatar. A Rig is
// immutable after construction.
type Rig struct {
	meshes []meshBindings
}

// RigOption configures [NewRig].
type RigOption func(*rigConfig)

type rigConfig struct {
	include []string
}

// WithMeshFilter keeps only meshes whose name contains one of the given
// substrings (for example "Head", "Teeth", "Tongue"). An empty filter keeps
// every mesh.
func WithMeshFilter(substrs ...string) RigOption {
	return func(c *rigConfig) { c.include = substrs }
}

// NewRig resolves meshes against the viseme targets. Meshes exposing none of
// the targets, or rejected by the mesh filter, are skipped.
func NewRig(meshes []Mesh, opts ...RigOption) *Rig {
	var cfg rigConfig
	for _, o := range opts {
		o(&cfg)
	}

	r := &Rig{}
	for _, m := range meshes {
		if !cfg.accepts(m.Name) {
			continue
		}
		var bs []Binding
		for _, v := range All {
			if idx, ok := m.Morphs[v.MorphName()]; ok && idx >= 0 {
				bs = append(bs, Binding{Viseme: v, Index: idx})
			}
		}
		if len(bs) == 0 {
			continue
		}
		r.meshes = append(r.meshes, meshBindings{name: m.Name, bindings: bs})
	}
	return r
}

func (c rigConfig) accepts(name string) bool {
	if len(c.include) == 0 {
		return true
	}
	return slices.ContainsFunc(c.include, func(s string) bool {
		return s != "" && strings.Contains(name, s)
	})
}

// Resolve returns the bindings of each mesh keyed by mesh name.
func (r *Rig) Resolve() map[string][]Binding {
	out := make(map[string][]Binding, len(r.meshes))
	for _, m := range r.meshes {
		out[m.name] = slices.Clone(m.bindings)
	}
	return out
}

// Meshes returns the names of the bound meshes in registration order.
func (r *Rig) Meshes() []string {
	names := make([]string, len(r.meshes))
	for i, m := range r.meshes {
		names[i] = m.name
	}
	return names
}

// Empty reports whether no mesh is bound.
func (r *Rig) Empty() bool { return r == nil || len(r.meshes) == 0 }

// influences applies intensity to every bound target of every mesh.
func (r *Rig) influences(intensity float64) map[string]map[int]float64 {
	if r.Empty() {
		return nil
	}
	out := make(map[string]map[int]float64, len(r.meshes))
	for _, m := range r.meshes {
		inf := make(map[int]float64, len(m.bindings))
		for _, b := range m.bindings {
			inf[b.Index] = intensity
		}
		out[m.name] = inf
	}
	return out
}
