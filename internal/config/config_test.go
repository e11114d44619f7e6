package config

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestMergeRecursive(t *testing.T) {
	n := Node{"images": Node{"a-*": Node{"grace_time": "1d"}}}
	err := n.Merge(map[string]any{
		"images": map[string]any{
			"b-*": map[string]any{"grace_time": "2h"},
		},
	})
	assert.NilError(t, err)
	images := n["images"].(Node)
	assert.Check(t, is.Len(images, 2))
}

func TestMergeShapeConflict(t *testing.T) {
	n := Node{"images": "not-a-map"}
	err := n.Merge(map[string]any{
		"images": map[string]any{"a-*": map[string]any{"grace_time": "1d"}},
	})
	assert.ErrorContains(t, err, "images")
}

func TestGetDottedPath(t *testing.T) {
	n := Node{"images": Node{"a-*": Node{"grace_time": "1d"}}}
	assert.Check(t, is.Equal(n.Get("images.a-*.grace_time"), "1d"))
	assert.Check(t, n.Get("images.missing.grace_time") == nil)
	assert.Check(t, n.Get("images.a-*.grace_time.too.deep") == nil)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	n, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yml"), nil)
	assert.NilError(t, err)
	assert.Check(t, is.Len(n, 0))
}

func TestLoadFileAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	assert.NilError(t, os.WriteFile(path, []byte(`
images:
  test-*:
    grace_time: 1s
`), 0o644))

	n, err := Load(path, []string{"images.other-*.grace_time=5s", "default=true"})
	assert.NilError(t, err)
	assert.Check(t, is.Equal(n.Get("images.test-*.grace_time"), "1s"))
	assert.Check(t, is.Equal(n.Get("images.other-*.grace_time"), "5s"))
	assert.Check(t, is.Equal(n.Get("default"), true))
}

func TestSetDottedRejectsScalarParent(t *testing.T) {
	n := Node{"images": "scalar"}
	err := n.setDotted("images.a.grace_time", "1s")
	assert.ErrorContains(t, err, "scalar")
}
