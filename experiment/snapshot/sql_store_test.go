package snapshot

import (
	"database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/proullon/ramsql/driver"

	"github.com/expkit/experimenter/experiment"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("ramsql", t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func testSet(t *testing.T, revision uint64, ids ...string) experiment.Set {
	t.Helper()

	set := experiment.NewSet()
	set.Revision = revision
	for _, id := range ids {
		params := experiment.NewParameters()
		params.Set("alpha", experiment.Parameter{Kind: experiment.KindNumber, Value: 0.5})
		set.Experiments = append(set.Experiments, experiment.Experiment{
			ID:         id,
			Parameters: params,
			Status:     experiment.StatusPending,
		})
	}

	return set
}

// requireSameSet compares two sets through their structural forms, which
// sidesteps the json.Number values Deserialize produces.
func requireSameSet(t *testing.T, want, got experiment.Set) {
	t.Helper()

	wantJSON, err := experiment.Serialize(want)
	require.NoError(t, err)
	gotJSON, err := experiment.Serialize(got)
	require.NoError(t, err)
	assert.JSONEq(t, string(wantJSON), string(gotJSON))
}

func Test_SQLStore_SaveAndLatest(t *testing.T) {
	t.Parallel()

	store, err := NewSQLStore(newTestDB(t))
	require.NoError(t, err)

	_, err = store.Latest(t.Context())
	require.ErrorIs(t, err, ErrNoSnapshots)

	first := testSet(t, 1, "exp001")
	require.NoError(t, store.Save(t.Context(), first))

	second := testSet(t, 2, "exp001", "exp002")
	require.NoError(t, store.Save(t.Context(), second))

	got, err := store.Latest(t.Context())
	require.NoError(t, err)
	requireSameSet(t, second, got)
}

func Test_SQLStore_AtRevision(t *testing.T) {
	t.Parallel()

	store, err := NewSQLStore(newTestDB(t))
	require.NoError(t, err)

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, store.Save(t.Context(), testSet(t, i, fmt.Sprintf("exp%03d", i))))
	}

	got, err := store.AtRevision(t.Context(), 2)
	require.NoError(t, err)
	requireSameSet(t, testSet(t, 2, "exp002"), got)

	_, err = store.AtRevision(t.Context(), 9)
	require.ErrorIs(t, err, ErrNoSnapshots)
}
