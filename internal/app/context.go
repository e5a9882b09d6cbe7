package app

import (
	"fmt"
	"os"
	"path/filepath"

	"laneline/internal/config"
	"laneline/internal/events"
)

// Feature is a resolved feature directory plus the workspace config that
// governs it.
type Feature struct {
	Dir    string
	Slug   string
	Config *config.Config
}

// ResolveFeature locates the feature directory for a slug under the
// workspace's features/ root, falling back to the workspace itself when it
// directly holds a status log. Commands that create the first event may pass
// allowMissing to get a freshly created directory.
func ResolveFeature(workspace, slug string, allowMissing bool) (Feature, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return Feature{}, err
	}
	if workspace == "" {
		workspace = "."
	}
	if slug == "" {
		if _, err := os.Stat(events.LogPath(workspace)); err == nil {
			abs, err := filepath.Abs(workspace)
			if err != nil {
				return Feature{}, err
			}
			return Feature{Dir: workspace, Slug: filepath.Base(abs), Config: cfg}, nil
		}
		return Feature{}, fmt.Errorf("feature not specified; use --feature")
	}
	dir := filepath.Join(workspace, "features", slug)
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return Feature{}, err
		}
		if !allowMissing {
			return Feature{}, fmt.Errorf("feature %s not found under %s", slug, filepath.Join(workspace, "features"))
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Feature{}, err
		}
	}
	return Feature{Dir: dir, Slug: slug, Config: cfg}, nil
}

// ListFeatures returns every feature directory under the workspace.
func ListFeatures(workspace string) ([]Feature, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	root := filepath.Join(workspace, "features")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Feature
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		out = append(out, Feature{Dir: filepath.Join(root, entry.Name()), Slug: entry.Name(), Config: cfg})
	}
	return out, nil
}
