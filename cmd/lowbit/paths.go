package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const envLowbitSidecarDir = "LOWBIT_SIDECAR_DIR"

const sidecarSuffix = ".qconf.json"

// sidecarDirDefault is the sidecar_dir config value; the environment wins
// over it.
var sidecarDirDefault string

// resolveSidecar picks the sidecar file for a model description.  An
// explicit flag wins, then $LOWBIT_SIDECAR_DIR, then the config file, then
// the model's own directory.
func resolveSidecar(model, flag string) (string, error) {
	flag = strings.TrimSpace(flag)
	if flag != "" {
		return filepath.Clean(flag), nil
	}
	base := strings.TrimSuffix(filepath.Base(model), filepath.Ext(model))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "", fmt.Errorf("invalid model path: %q", model)
	}
	dir := strings.TrimSpace(os.Getenv(envLowbitSidecarDir))
	if dir == "" {
		dir = sidecarDirDefault
	}
	if dir == "" {
		dir = filepath.Dir(model)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, base+sidecarSuffix), nil
}

// resolveOutput derives "<dir>/<base><suffix>" next to the model unless
// out is given.
func resolveOutput(model, out, suffix string) (string, error) {
	out = strings.TrimSpace(out)
	if out != "" {
		out = filepath.Clean(out)
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return "", err
		}
		return out, nil
	}
	base := strings.TrimSuffix(filepath.Base(model), filepath.Ext(model))
	return filepath.Join(filepath.Dir(model), base+suffix), nil
}
