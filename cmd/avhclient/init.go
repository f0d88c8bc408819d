package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/avh-dev/avhclient/internal/jobspec"
)

var jobTemplate = `name: %s
workdir: ./
upload:
  - "**/*"
steps:
  - name: build
    run: |
      mkdir -p out
      echo "build steps go here" > out/build.log
download:
  - "out/**/*"
`

var configTemplate = `# avhclient configuration. Environment variables override these values.

[aws]
# region = "eu-west-1"
# ami_version = "1.3.1"
# iam_profile = ""
# security_group_id = ""
# subnet_id = ""
# s3_bucket = ""
instance_type = "t2.micro"
s3_keyprefix = "ssm"
keep_instances = false

[docker]
image = "%s"

[store]
path = ".avh/avh.db"
`

func (a *app) initCmd() *cobra.Command {
	var name, image string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter job file and configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return initProject(a, name, image)
		},
	}
	cmd.Flags().StringVar(&name, "name", "build", "job name")
	cmd.Flags().StringVar(&image, "image", "ubuntu:24.04", "container image for the docker backend")
	return cmd
}

func initProject(a *app, name, image string) error {
	dir := a.projectDir
	if err := os.MkdirAll(filepath.Join(dir, ".avh"), 0755); err != nil {
		return fmt.Errorf("creating .avh/: %w", err)
	}

	files := []struct{ path, content string }{
		{jobspec.DefaultFile, fmt.Sprintf(jobTemplate, name)},
		{filepath.Join(".avh", "config"), fmt.Sprintf(configTemplate, image)},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.path)
		if _, err := os.Stat(path); err == nil {
			fmt.Fprintf(a.stderr, "  skip %s (already exists)\n", f.path)
			continue
		}
		if err := os.WriteFile(path, []byte(f.content), 0644); err != nil {
			return fmt.Errorf("writing %s: %w", f.path, err)
		}
		fmt.Fprintf(a.stderr, "  create %s\n", f.path)
	}

	abs, _ := filepath.Abs(dir)
	fmt.Fprintf(a.stderr, "\nInitialized avhclient project in %s\n", filepath.Base(abs))
	fmt.Fprintf(a.stderr, "\nNext steps:\n")
	fmt.Fprintf(a.stderr, "  1. Edit %s and add your build and test commands\n", jobspec.DefaultFile)
	fmt.Fprintf(a.stderr, "  2. Fill in the [aws] section of .avh/config, or use -b docker / -b local\n")
	fmt.Fprintf(a.stderr, "  3. avhclient run\n")
	return nil
}
