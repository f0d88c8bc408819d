package jobspec_test

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/avh-dev/avhclient/internal/jobspec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `name: blinky
workdir: ./app
upload:
  - "**/*.c"
  - requirements.txt
steps:
  - run: |
      pip install -r requirements.txt
      python build.py cbuild avh
  - name: test
    run: python build.py run
download:
  - "out/**/*"
`

func TestParse(t *testing.T) {
	spec, err := jobspec.Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "blinky", spec.Name)
	assert.Equal(t, "./app", spec.Workdir)
	assert.Equal(t, []string{"**/*.c", "requirements.txt"}, spec.Upload)
	assert.Equal(t, []string{"out/**/*"}, spec.Download)
	require.Len(t, spec.Steps, 2)
	assert.Equal(t, "step-1", spec.Steps[0].Name)
	assert.Equal(t, []string{"pip install -r requirements.txt", "python build.py cbuild avh"}, spec.Steps[0].Commands())
	assert.Equal(t, "test", spec.Steps[1].Name)
}

func TestParse_Defaults(t *testing.T) {
	spec, err := jobspec.Parse([]byte("steps:\n  - run: make\n"))
	require.NoError(t, err)
	assert.Equal(t, ".", spec.Workdir)
	assert.Equal(t, []string{"**/*"}, spec.Upload)
	assert.Equal(t, []string{"**/*"}, spec.Download)
}

func TestParse_Empty(t *testing.T) {
	_, err := jobspec.Parse([]byte("  \n"))
	assert.Error(t, err)
}

func TestParse_Invalid(t *testing.T) {
	_, err := jobspec.Parse([]byte("steps: [unclosed"))
	assert.Error(t, err)
}

func TestLoad_ResolvesWorkdir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, jobspec.DefaultFile)
	require.NoError(t, os.WriteFile(path, []byte(sample), 0644))

	spec, workdir, err := jobspec.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "blinky", spec.Name)
	assert.Equal(t, filepath.Join(dir, "app"), workdir)
}

func TestLoad_Missing(t *testing.T) {
	_, _, err := jobspec.Load(filepath.Join(t.TempDir(), "nope.yml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}
