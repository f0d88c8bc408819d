package domain

import "strings"

// DefaultGlobs selects every file below the workspace root.
var DefaultGlobs = []string{"**/*"}

// Step is one entry of a job's steps list.
type Step struct {
	Name string `yaml:"name"`
	Run  string `yaml:"run"`
}

// Commands splits the step script into one command per non-empty line.
func (s Step) Commands() []string {
	var cmds []string
	for _, line := range strings.Split(s.Run, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		cmds = append(cmds, strings.TrimRight(line, "\r"))
	}
	return cmds
}

// JobSpec describes a job: which files to ship, what to run, and which
// files to bring back.
type JobSpec struct {
	Name     string   `yaml:"name"`
	Workdir  string   `yaml:"workdir"`
	Upload   []string `yaml:"upload"`
	Steps    []Step   `yaml:"steps"`
	Download []string `yaml:"download"`
}

// Normalized fills in defaults for omitted fields.
func (j JobSpec) Normalized() JobSpec {
	if j.Workdir == "" {
		j.Workdir = "."
	}
	if len(j.Upload) == 0 {
		j.Upload = append([]string(nil), DefaultGlobs...)
	}
	if len(j.Download) == 0 {
		j.Download = append([]string(nil), DefaultGlobs...)
	}
	return j
}
