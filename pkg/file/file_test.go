package file

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `yaml:"name"`
	Ports []int  `yaml:"ports"`
}

func TestFileService_YamlRoundTrip(t *testing.T) {
	fs := NewFileService()
	path := filepath.Join(t.TempDir(), "config.yaml")

	require.NoError(t, fs.WriteYamlFile(path, sample{Name: "pulselink", Ports: []int{8999, 8998}}))

	exists, err := fs.IsFileExists(path)
	require.NoError(t, err)
	assert.True(t, exists)
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	var got sample
	require.NoError(t, fs.ReadYamlFile(path, &got))
	assert.Equal(t, sample{Name: "pulselink", Ports: []int{8999, 8998}}, got)
}

func TestFileService_ReadYamlRejectsUnknownFields(t *testing.T) {
	fs := NewFileService()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: x\nprot: 1\n"), 0600))

	var got sample
	assert.Error(t, fs.ReadYamlFile(path, &got))
}

func TestFileService_MissingFile(t *testing.T) {
	fs := NewFileService()
	path := filepath.Join(t.TempDir(), "absent.pem")

	exists, err := fs.IsFileExists(path)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = fs.ReadFileRaw(path)
	assert.True(t, os.IsNotExist(err))
}
