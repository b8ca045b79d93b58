package profile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Info describes a profile found on disk.
type Info struct {
	Name        string `json:"name"`
	Dir         string `json:"dir"`
	Initialized bool   `json:"initialized"` // a database exists
	Default     bool   `json:"default"`
}

// List returns the profiles under the base directory sorted by name, with
// the one Resolve("") would pick marked Default. Directories whose names are
// not valid profile names are skipped.
func List() ([]Info, error) {
	root := filepath.Join(BaseDir(), "profiles")
	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}

	def := Resolve("")
	var out []Info
	for _, e := range entries {
		if !e.IsDir() || ValidateName(e.Name()) != nil {
			continue
		}
		name := e.Name()
		_, statErr := os.Stat(DBPath(name))
		out = append(out, Info{
			Name:        name,
			Dir:         Dir(name),
			Initialized: statErr == nil,
			Default:     name == def,
		})
	}
	return out, nil
}
