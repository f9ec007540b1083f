package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/expkit/experimenter/experiment"
)

func Test_DirStore_RoundTrip(t *testing.T) {
	t.Parallel()

	defaults := experiment.NewParameters()
	defaults.Set("alpha", experiment.Parameter{Kind: experiment.KindNumber, Value: 0.5, Comment: "learning rate"})
	defaults.Set("label", experiment.Parameter{Kind: experiment.KindString, Value: "base", Comment: "run label"})
	defaults.Set("shuffle", experiment.Parameter{Kind: experiment.KindBool, Value: true})

	params := defaults.Clone()
	params.Set("alpha", experiment.Parameter{Kind: experiment.KindNumber, Value: 1.25})

	set := experiment.NewSet()
	set.Experiments = append(set.Experiments, experiment.Experiment{
		ID:         "exp001",
		Parameters: params,
		Status:     experiment.StatusPending,
	})

	store := NewDirStore(t.TempDir())
	require.NoError(t, store.SaveAll(set, defaults))

	gotSet, gotDefaults, err := store.LoadAll()
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha", "label", "shuffle"}, gotDefaults.Names())
	alpha, ok := gotDefaults.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, experiment.KindNumber, alpha.Kind)
	assert.Equal(t, 0.5, alpha.Value)
	assert.Equal(t, "learning rate", alpha.Comment)

	shuffle, ok := gotDefaults.Get("shuffle")
	require.True(t, ok)
	assert.Equal(t, experiment.KindBool, shuffle.Kind)
	assert.Equal(t, true, shuffle.Value)

	require.Len(t, gotSet.Experiments, 1)
	got := gotSet.Experiments[0]
	assert.Equal(t, "exp001", got.ID)
	assert.Equal(t, experiment.StatusPending, got.Status)

	overridden, ok := got.Parameters.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, 1.25, overridden.Value)
	// Comment was not saved on the override row, so it comes from defaults.
	assert.Equal(t, "learning rate", overridden.Comment)

	label, ok := got.Parameters.Get("label")
	require.True(t, ok)
	assert.Equal(t, experiment.KindString, label.Kind)
	assert.Equal(t, "base", label.Value)
}

func Test_DirStore_LoadAllOrdersExperiments(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"exp002.csv", "defaults.csv", "exp001.csv"} {
		content := "Param;Value;Comment\nalpha;1;\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}
	// Non-CSV files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("scratch"), 0o600))

	set, defaults, err := NewDirStore(dir).LoadAll()
	require.NoError(t, err)

	assert.Equal(t, 1, defaults.Len())
	assert.Equal(t, []string{"exp001", "exp002"}, set.IDs())
	assert.Equal(t, uint64(0), set.Revision)
}

func Test_DirStore_SaveExperiment(t *testing.T) {
	t.Parallel()

	params := experiment.NewParameters()
	params.Set("alpha", experiment.Parameter{Kind: experiment.KindNumber, Value: 2.0, Comment: "doubled"})

	store := NewDirStore(t.TempDir())
	require.NoError(t, store.SaveExperiment(experiment.Experiment{
		ID:         "exp007",
		Parameters: params,
		Status:     experiment.StatusPending,
	}))

	set, _, err := store.LoadAll()
	require.NoError(t, err)
	assert.Equal(t, []string{"exp007"}, set.IDs())
}

func Test_DirStore_LoadAllMissingDirectory(t *testing.T) {
	t.Parallel()

	_, _, err := NewDirStore(filepath.Join(t.TempDir(), "absent")).LoadAll()
	require.Error(t, err)
}

func Test_InferValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		give     string
		wantKind experiment.ParameterKind
		want     any
	}{
		{give: "true", wantKind: experiment.KindBool, want: true},
		{give: "false", wantKind: experiment.KindBool, want: false},
		{give: "3.5", wantKind: experiment.KindNumber, want: 3.5},
		{give: "42", wantKind: experiment.KindNumber, want: 42.0},
		{give: "hello", wantKind: experiment.KindString, want: "hello"},
		{give: "", wantKind: experiment.KindString, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.give, func(t *testing.T) {
			t.Parallel()

			kind, value := inferValue(tt.give)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.want, value)
		})
	}
}
