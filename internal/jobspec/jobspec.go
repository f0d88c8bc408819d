// Package jobspec loads job definitions from YAML files.
package jobspec

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/avh-dev/avhclient/internal/domain"
	"gopkg.in/yaml.v3"
)

// DefaultFile is the job file looked up when none is given.
const DefaultFile = "avh.yml"

// Parse decodes a job definition and applies defaults.
func Parse(data []byte) (domain.JobSpec, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return domain.JobSpec{}, fmt.Errorf("jobspec: definition payload is empty")
	}
	var spec domain.JobSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return domain.JobSpec{}, fmt.Errorf("jobspec: decode definition: %w", err)
	}
	for i, step := range spec.Steps {
		if step.Name == "" {
			spec.Steps[i].Name = fmt.Sprintf("step-%d", i+1)
		}
	}
	return spec.Normalized(), nil
}

// Load reads a job file and resolves its workdir against the file's
// directory. The returned path is absolute.
func Load(path string) (domain.JobSpec, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.JobSpec{}, "", fmt.Errorf("jobspec: read %s: %w", path, err)
	}
	spec, err := Parse(data)
	if err != nil {
		return domain.JobSpec{}, "", fmt.Errorf("jobspec: %s: %w", path, err)
	}

	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return domain.JobSpec{}, "", fmt.Errorf("jobspec: resolve %s: %w", path, err)
	}
	workdir := spec.Workdir
	if !filepath.IsAbs(workdir) {
		workdir = filepath.Join(dir, workdir)
	}
	return spec, filepath.Clean(workdir), nil
}
