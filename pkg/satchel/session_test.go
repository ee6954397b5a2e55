package satchel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Sessions require tables with an explicit primary key.
func openSessionDB(t *testing.T) *Database {
	t.Helper()
	db, err := Open(DefaultConfig(MemoryLocation))
	require.NoError(t, err)
	t.Cleanup(func() {
		if db.IsOpen() {
			_ = db.Close()
		}
	})
	require.NoError(t, db.Exec("CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)"))
	return db
}

func recordInsert(t *testing.T, db *Database) []byte {
	t.Helper()
	sess, err := db.CreateSession(SessionOptions{})
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, db.Exec("INSERT INTO items VALUES (1, 'one'), (2, 'two')"))
	cs, err := sess.Changeset()
	require.NoError(t, err)
	require.NotEmpty(t, cs)
	return cs
}

func countItems(t *testing.T, db *Database) int64 {
	t.Helper()
	return selectOne(t, db, "SELECT COUNT(*) FROM items").(int64)
}

func TestChangesetRecordAndApply(t *testing.T) {
	source := openSessionDB(t)
	cs := recordInsert(t, source)

	target := openSessionDB(t)
	ok, err := target.ApplyChangeset(cs, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, int64(2), countItems(t, target))
	assert.Equal(t, "one", selectOne(t, target, "SELECT name FROM items WHERE id = 1"))
}

func TestApplyChangesetConflictDefaultsToOmit(t *testing.T) {
	source := openSessionDB(t)
	cs := recordInsert(t, source)

	target := openSessionDB(t)
	require.NoError(t, target.Exec("INSERT INTO items VALUES (1, 'existing')"))

	ok, err := target.ApplyChangeset(cs, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	// The conflicting insert was omitted, the clean one applied.
	assert.Equal(t, "existing", selectOne(t, target, "SELECT name FROM items WHERE id = 1"))
	assert.Equal(t, "two", selectOne(t, target, "SELECT name FROM items WHERE id = 2"))
}

func TestApplyChangesetConflictReplace(t *testing.T) {
	source := openSessionDB(t)
	cs := recordInsert(t, source)

	target := openSessionDB(t)
	require.NoError(t, target.Exec("INSERT INTO items VALUES (1, 'existing')"))

	var seen []int
	ok, err := target.ApplyChangeset(cs, &ApplyChangesetOptions{
		OnConflict: func(conflictType int) int {
			seen = append(seen, conflictType)
			return ChangesetReplace
		},
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []int{ChangesetConflict}, seen)
	assert.Equal(t, "one", selectOne(t, target, "SELECT name FROM items WHERE id = 1"))
}

func TestApplyChangesetConflictAbort(t *testing.T) {
	source := openSessionDB(t)
	cs := recordInsert(t, source)

	target := openSessionDB(t)
	require.NoError(t, target.Exec("INSERT INTO items VALUES (1, 'existing')"))

	ok, err := target.ApplyChangeset(cs, &ApplyChangesetOptions{
		OnConflict: func(int) int { return ChangesetAbort },
	})
	require.NoError(t, err)
	assert.False(t, ok, "an aborted apply reports false without an error")

	// Aborting rolls the whole apply back.
	assert.Equal(t, int64(1), countItems(t, target))
}

func TestApplyChangesetFilterExcludesTable(t *testing.T) {
	source := openSessionDB(t)
	cs := recordInsert(t, source)

	target := openSessionDB(t)
	var filtered []string
	ok, err := target.ApplyChangeset(cs, &ApplyChangesetOptions{
		Filter: func(table string) bool {
			filtered = append(filtered, table)
			return false
		},
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"items"}, filtered)
	assert.Equal(t, int64(0), countItems(t, target))
}

func TestApplyChangesetIdempotentWithOmit(t *testing.T) {
	source := openSessionDB(t)
	cs := recordInsert(t, source)

	target := openSessionDB(t)
	for i := 0; i < 2; i++ {
		ok, err := target.ApplyChangeset(cs, nil)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, int64(2), countItems(t, target))
}

func TestApplyChangesetRejectsEmptyBuffer(t *testing.T) {
	db := openSessionDB(t)

	_, err := db.ApplyChangeset(nil, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestApplyChangesetCallbackPanicFailsApply(t *testing.T) {
	source := openSessionDB(t)
	cs := recordInsert(t, source)

	target := openSessionDB(t)
	require.NoError(t, target.Exec("INSERT INTO items VALUES (1, 'existing')"))

	_, err := target.ApplyChangeset(cs, &ApplyChangesetOptions{
		OnConflict: func(int) int { panic("boom") },
	})
	assert.ErrorIs(t, err, ErrCallback)
}

func TestSessionScopedToTable(t *testing.T) {
	db := openSessionDB(t)
	require.NoError(t, db.Exec("CREATE TABLE other (id INTEGER PRIMARY KEY)"))

	sess, err := db.CreateSession(SessionOptions{Table: "other"})
	require.NoError(t, err)
	defer sess.Close()

	// Writes to a table outside the session's scope record nothing.
	require.NoError(t, db.Exec("INSERT INTO items VALUES (1, 'one')"))
	cs, err := sess.Changeset()
	require.NoError(t, err)
	assert.Empty(t, cs)

	require.NoError(t, db.Exec("INSERT INTO other VALUES (5)"))
	cs, err = sess.Changeset()
	require.NoError(t, err)
	assert.NotEmpty(t, cs)
}

func TestPatchsetRecordsChanges(t *testing.T) {
	db := openSessionDB(t)

	sess, err := db.CreateSession(SessionOptions{})
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, db.Exec("INSERT INTO items VALUES (1, 'one')"))
	ps, err := sess.Patchset()
	require.NoError(t, err)
	assert.NotEmpty(t, ps)
}

func TestSessionDoubleCloseRejected(t *testing.T) {
	db := openSessionDB(t)

	sess, err := db.CreateSession(SessionOptions{})
	require.NoError(t, err)
	require.NoError(t, sess.Close())
	assert.ErrorIs(t, sess.Close(), ErrInvalidState)
}

func TestDatabaseCloseDeletesSessions(t *testing.T) {
	db := openSessionDB(t)

	sess, err := db.CreateSession(SessionOptions{})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// The session handle went down with the database.
	_, err = sess.Changeset()
	assert.ErrorIs(t, err, ErrInvalidState)
}
