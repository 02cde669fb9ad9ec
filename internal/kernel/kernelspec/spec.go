// Package kernelspec discovers Jupyter kernel specs and resolves them for
// editor languages.
package kernelspec

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ConnectionFilePlaceholder is replaced in Argv with the connection file path.
const ConnectionFilePlaceholder = "{connection_file}"

// Spec describes how to launch one kernel.
type Spec struct {
	Name          string            `json:"name"`
	Language      string            `json:"language"`
	DisplayName   string            `json:"display_name"`
	Argv          []string          `json:"argv"`
	Env           map[string]string `json:"env,omitempty"`
	InterruptMode string            `json:"interrupt_mode,omitempty"`
	ResourceDir   string            `json:"resource_dir,omitempty"`
}

// LanguageKey is the case-insensitive language used for lookups.
func (s Spec) LanguageKey() string {
	return strings.ToLower(s.Language)
}

// Command returns argv with the connection file substituted.
func (s Spec) Command(connectionFile string) []string {
	out := make([]string, len(s.Argv))
	for i, arg := range s.Argv {
		out[i] = strings.ReplaceAll(arg, ConnectionFilePlaceholder, connectionFile)
	}
	return out
}

// Validate checks the fields needed to launch.
func (s Spec) Validate() error {
	if len(s.Argv) == 0 {
		return fmt.Errorf("kernel spec %q has empty argv", s.Name)
	}
	if s.Language == "" {
		return fmt.Errorf("kernel spec %q has no language", s.Name)
	}
	return nil
}

// ReadDir loads <dir>/kernel.json; the spec is named after dir.
func ReadDir(dir string) (Spec, error) {
	data, err := os.ReadFile(filepath.Join(dir, "kernel.json"))
	if err != nil {
		return Spec{}, err
	}
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return Spec{}, fmt.Errorf("parse %s: %w", filepath.Join(dir, "kernel.json"), err)
	}
	spec.Name = filepath.Base(dir)
	spec.ResourceDir = dir
	if spec.DisplayName == "" {
		spec.DisplayName = spec.Name
	}
	return spec, spec.Validate()
}

// DefaultDirs returns the kernels directories Jupyter searches, highest
// priority first.
func DefaultDirs() []string {
	var dirs []string
	if jp := os.Getenv("JUPYTER_PATH"); jp != "" {
		for _, p := range filepath.SplitList(jp) {
			if p != "" {
				dirs = append(dirs, filepath.Join(p, "kernels"))
			}
		}
	}
	if dataDir := userDataDir(); dataDir != "" {
		dirs = append(dirs, filepath.Join(dataDir, "kernels"))
	}
	switch runtime.GOOS {
	case "windows":
		if pd := os.Getenv("PROGRAMDATA"); pd != "" {
			dirs = append(dirs, filepath.Join(pd, "jupyter", "kernels"))
		}
	default:
		dirs = append(dirs, "/usr/local/share/jupyter/kernels", "/usr/share/jupyter/kernels")
	}
	return dirs
}

func userDataDir() string {
	if d := os.Getenv("JUPYTER_DATA_DIR"); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Jupyter")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "jupyter")
		}
		return ""
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "jupyter")
		}
		return filepath.Join(home, ".local", "share", "jupyter")
	}
}
