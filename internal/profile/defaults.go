package profile

import (
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

//go:embed builtin/*.yaml
var builtinProfilesFS embed.FS

// Names of the profiles built in code rather than shipped as YAML.
const (
	EmptyProfileName   = "EMPTY"
	DefaultProfileName = "default"
)

// BuiltinProfiles returns the predefined profiles keyed by name: the EMPTY
// and default profiles plus every embedded YAML template.
func BuiltinProfiles(logger *slog.Logger) (map[string]*Profile, error) {
	profiles := map[string]*Profile{
		EmptyProfileName:   NewEmpty(EmptyProfileName, TypeStandard),
		DefaultProfileName: NewDefault(DefaultProfileName),
	}

	entries, err := builtinProfilesFS.ReadDir("builtin")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded builtin profiles: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		data, err := builtinProfilesFS.ReadFile("builtin/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}

		p, err := LoadProfileFromBytes(data, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", entry.Name(), err)
		}

		profiles[p.Name] = p
	}

	return profiles, nil
}

// InstallBuiltinProfiles copies the embedded profile templates into dir.
// If overwrite is false, existing files are not replaced.
func InstallBuiltinProfiles(dir string, overwrite bool) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create profiles directory: %w", err)
	}

	return fs.WalkDir(builtinProfilesFS, "builtin", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		data, err := builtinProfilesFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		destPath := filepath.Join(dir, d.Name())
		if !overwrite {
			if _, err := os.Stat(destPath); err == nil {
				return nil
			}
		}

		if err := os.WriteFile(destPath, data, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", destPath, err)
		}
		return nil
	})
}
