package browser

import (
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritePlaceholderOutputs(t *testing.T) {
	dir := t.TempDir()
	notePath := filepath.Join(dir, "output.txt")
	imagePath := filepath.Join(dir, "output.png")

	require.NoError(t, WritePlaceholderOutputs(notePath, imagePath))

	note, err := os.ReadFile(notePath)
	require.NoError(t, err)
	assert.Equal(t, StatusNote, string(note))

	f, err := os.Open(imagePath)
	require.NoError(t, err)
	defer f.Close()

	img, err := png.Decode(f)
	require.NoError(t, err)
	bounds := img.Bounds()
	assert.Equal(t, 512, bounds.Dx())
	assert.Equal(t, 512, bounds.Dy())

	r, g, b, a := img.At(256, 256).RGBA()
	assert.Equal(t, uint32(0xffff), r)
	assert.Equal(t, uint32(0xffff), g)
	assert.Equal(t, uint32(0xffff), b)
	assert.Equal(t, uint32(0xffff), a)
}

func TestWritePlaceholderOutputs_BadPath(t *testing.T) {
	dir := t.TempDir()
	err := WritePlaceholderOutputs(filepath.Join(dir, "missing", "output.txt"), filepath.Join(dir, "output.png"))
	assert.Error(t, err)
}
