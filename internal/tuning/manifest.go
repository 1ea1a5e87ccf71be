package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"tilestream.ai/internal/sequence"
)

// SequenceSpec is one entry of sequences.yaml.
type SequenceSpec struct {
	Name          string       `yaml:"name"`
	PixelDim      sequence.Dim `yaml:"pixel_dim"`
	TileGrid      sequence.Dim `yaml:"tile_grid"`
	MipCount      int          `yaml:"mip_count"`
	BytesPerPixel int          `yaml:"bytes_per_pixel"`
}

type Manifest struct {
	Sequences []SequenceSpec `yaml:"sequences"`
}

func LoadManifest(path string) (Manifest, error) {
	var m Manifest
	raw, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("sequences.yaml: %w", err)
	}
	seen := map[string]bool{}
	for _, s := range m.Sequences {
		if s.Name == "" {
			return m, fmt.Errorf("sequences.yaml: sequence without name")
		}
		if seen[s.Name] {
			return m, fmt.Errorf("sequences.yaml: duplicate sequence %q", s.Name)
		}
		seen[s.Name] = true
	}
	return m, nil
}

// Descriptors validates every entry and returns them in file order.
func (m Manifest) Descriptors() ([]sequence.Descriptor, error) {
	out := make([]sequence.Descriptor, 0, len(m.Sequences))
	for _, s := range m.Sequences {
		d, err := sequence.NewDescriptor(s.Name, s.PixelDim, s.TileGrid, s.MipCount, s.BytesPerPixel)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
