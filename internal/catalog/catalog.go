// Package catalog lists the karts and tracks the lobby accepts.
package catalog

import (
	"fmt"
	"os"
	"slices"

	"github.com/DoyleJ11/kart-lobby/internal/geom"
	"gopkg.in/yaml.v3"
)

type Track struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"` // race | arena | soccer
	// Bases are the red and blue flag positions on arena tracks.
	Bases []geom.Vec3 `yaml:"bases,omitempty"`
}

var defaultBases = [2]geom.Vec3{{X: -50}, {X: 50}}

type Catalog struct {
	Karts  []string `yaml:"karts"`
	Tracks []Track  `yaml:"tracks"`
}

// Default is the built-in catalogue used when no file is configured.
func Default() *Catalog {
	return &Catalog{
		Karts: []string{"tux", "gnu", "nolok", "pidgin", "puffy", "kiki", "wilber", "xue", "adiumy", "emule"},
		Tracks: []Track{
			{ID: "lighthouse", Kind: "race"},
			{ID: "zengarden", Kind: "race"},
			{ID: "hacienda", Kind: "race"},
			{ID: "snowmountain", Kind: "race"},
			{ID: "cocoa_temple", Kind: "race"},
			{ID: "stadium", Kind: "arena", Bases: []geom.Vec3{{X: -60, Z: 4}, {X: 60, Z: 4}}},
			{ID: "temple", Kind: "arena", Bases: []geom.Vec3{{Z: -45}, {Z: 45}}},
			{ID: "icy_soccer_field", Kind: "soccer"},
			{ID: "soccer_field", Kind: "soccer"},
		},
	}
}

func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	if len(c.Karts) == 0 {
		return nil, fmt.Errorf("catalog has no karts")
	}
	for _, t := range c.Tracks {
		if len(t.Bases) != 0 && len(t.Bases) != 2 {
			return nil, fmt.Errorf("track %q: want 2 bases, got %d", t.ID, len(t.Bases))
		}
		switch t.Kind {
		case "race", "arena", "soccer":
		default:
			return nil, fmt.Errorf("track %q: unknown kind %q", t.ID, t.Kind)
		}
	}
	return &c, nil
}

func (c *Catalog) HasKart(id string) bool {
	return slices.Contains(c.Karts, id)
}

// HasTrack reports whether id exists and is of the given kind.
func (c *Catalog) HasTrack(id, kind string) bool {
	return slices.ContainsFunc(c.Tracks, func(t Track) bool { return t.ID == id && t.Kind == kind })
}

// FirstTrack returns the first track of kind, used when nothing was voted.
func (c *Catalog) FirstTrack(kind string) (string, bool) {
	for _, t := range c.Tracks {
		if t.Kind == kind {
			return t.ID, true
		}
	}
	return "", false
}

// Bases returns the red and blue objective origins for track.
func (c *Catalog) Bases(track string) [2]geom.Transform {
	bases := defaultBases
	for _, t := range c.Tracks {
		if t.ID == track && len(t.Bases) == 2 {
			bases = [2]geom.Vec3{t.Bases[0], t.Bases[1]}
			break
		}
	}
	return [2]geom.Transform{geom.At(bases[0]), geom.At(bases[1])}
}
