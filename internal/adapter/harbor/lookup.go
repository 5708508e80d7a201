package harbor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// BinaryName is the agent CLI the worker supervises.
const BinaryName = "harbor"

// venvCandidates are tried relative to the working directory after PATH.
// They cover source checkouts where the agent tool is pip-installed.
var venvCandidates = []string{
	".venv/bin",
	"venv/bin",
	".harbor/venv/bin",
}

// LookupBinary resolves the agent executable, PATH first. The error lists
// every location tried so a misconfigured host is diagnosable from one line.
func LookupBinary(name string) (string, error) {
	if p, err := exec.LookPath(name); err == nil {
		return p, nil
	}
	tried := []string{"$PATH"}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("op=harbor.lookup: %w", err)
	}
	for _, rel := range venvCandidates {
		p := filepath.Join(cwd, rel, name)
		tried = append(tried, p)
		if st, err := os.Stat(p); err == nil && !st.IsDir() && st.Mode()&0o111 != 0 {
			return p, nil
		}
	}
	return "", fmt.Errorf("op=harbor.lookup: %q not found (tried %s)", name, strings.Join(tried, ", "))
}
