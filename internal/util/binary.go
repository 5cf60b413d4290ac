// Package util provides shared utility functions.
package util

import (
	"fmt"
	"os"
	"os/exec"
)

// FindBinary locates an executable. A non-empty configured path must exist
// and be executable; otherwise the lookup order is the envVar value, ./name,
// then PATH.
func FindBinary(name, configured, envVar string) (string, error) {
	if configured != "" {
		if isExecutable(configured) {
			return configured, nil
		}
		return "", fmt.Errorf("configured %s binary %q is not executable", name, configured)
	}

	candidates := make([]string, 0, 2)
	if envVar != "" {
		if p := os.Getenv(envVar); p != "" {
			candidates = append(candidates, p)
		}
	}
	candidates = append(candidates, "./"+name)

	for _, p := range candidates {
		if isExecutable(p) {
			return p, nil
		}
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("binary %s not found", name)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
