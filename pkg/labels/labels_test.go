package labels

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/paddy-inspector/pkg/types"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFormats(t *testing.T) {
	expected := []string{"bacterial_leaf_blight", "blast", "healthy"}

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"keras class indices", "class_indices.json", `{"blast": 1, "healthy": 2, "bacterial_leaf_blight": 0}`},
		{"json array", "labels.json", `["bacterial_leaf_blight", "blast", "healthy"]`},
		{"metadata classes", "model_metadata.json", `{"input_shape": [1, 3, 224, 224], "classes": ["bacterial_leaf_blight", "blast", "healthy"], "image_size": 224}`},
		{"ultralytics json", "names.json", `{"names": {"0": "bacterial_leaf_blight", "1": "blast", "2": "healthy"}}`},
		{"ultralytics yaml", "args.yaml", "names:\n  0: bacterial_leaf_blight\n  1: blast\n  2: healthy\n"},
		{"yaml list", "labels.yml", "- bacterial_leaf_blight\n- blast\n- healthy\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, err := Load(writeFile(t, tt.file, tt.content))
			require.NoError(t, err)
			assert.Equal(t, expected, set.Names())
			assert.Equal(t, 3, set.Len())
		})
	}
}

func TestLoadRejectsSparseIndices(t *testing.T) {
	_, err := Load(writeFile(t, "class_indices.json", `{"blast": 1, "healthy": 3}`))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "class_indices.json", `{"blast": 1, "healthy": 2}`))
	assert.Error(t, err, "indices must start at 0")
}

func TestLoadRejectsDuplicates(t *testing.T) {
	_, err := Load(writeFile(t, "class_indices.json", `{"blast": 0, "healthy": 0}`))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "labels.json", `["blast", "blast"]`))
	assert.Error(t, err)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "broken.json", `{not json`))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "empty.json", `[]`))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "number.json", `42`))
	assert.Error(t, err)
}

func TestNameFallsBackToUnknown(t *testing.T) {
	set, err := New([]string{"healthy", "blast"})
	require.NoError(t, err)

	assert.Equal(t, "healthy", set.Name(0))
	assert.Equal(t, "blast", set.Name(1))
	assert.Equal(t, types.UnknownLabel, set.Name(2))
	assert.Equal(t, types.UnknownLabel, set.Name(-1))

	var nilSet *LabelSet
	assert.Equal(t, types.UnknownLabel, nilSet.Name(0))
}

func TestIndexNormalizesNames(t *testing.T) {
	set, err := New([]string{"bacterial_leaf_blight", "Healthy"})
	require.NoError(t, err)

	assert.Equal(t, 0, set.Index("Bacterial Leaf Blight"))
	assert.Equal(t, 1, set.Index(" healthy "))
	assert.Equal(t, -1, set.Index("tungro"))
}

func TestNamesReturnsCopy(t *testing.T) {
	set, err := New([]string{"healthy"})
	require.NoError(t, err)

	names := set.Names()
	names[0] = "mutated"
	assert.Equal(t, "healthy", set.Name(0))
}
