package capability

import (
	"path/filepath"

	"github.com/chr1sbest/marathon/internal/config"
)

// FromConfig builds exec capabilities from their configured definitions.
// Relative working directories resolve against root.
func FromConfig(defs []config.CapabilityConfig, root string) []Capability {
	caps := make([]Capability, 0, len(defs))
	for _, d := range defs {
		dir := d.Dir
		if dir == "" {
			dir = root
		} else if !filepath.IsAbs(dir) && root != "" {
			dir = filepath.Join(root, dir)
		}
		caps = append(caps, &Exec{
			Name:    d.ID,
			Command: d.Command,
			Dir:     dir,
			Env:     d.Env,
			Path:    d.Artifact,
		})
	}
	return caps
}
