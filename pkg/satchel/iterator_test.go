package satchel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIterateYieldsRowsInOrder(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Exec("INSERT INTO scratch (v) VALUES (1), (2), (3)"))

	stmt, err := db.Prepare("SELECT v FROM scratch ORDER BY v")
	require.NoError(t, err)
	defer stmt.Finalize()

	rows, err := stmt.Iterate()
	require.NoError(t, err)

	var got []int64
	for rows.Next() {
		got = append(got, rows.Row().Values[0].(int64))
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []int64{1, 2, 3}, got)

	// Exhausted iterators stay exhausted.
	assert.False(t, rows.Next())
	assert.NoError(t, rows.Close())
}

func TestIterateEarlyCloseAllowsRestart(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Exec("INSERT INTO scratch (v) VALUES (1), (2), (3)"))

	stmt, err := db.Prepare("SELECT v FROM scratch ORDER BY v")
	require.NoError(t, err)
	defer stmt.Finalize()

	rows, err := stmt.Iterate()
	require.NoError(t, err)
	require.True(t, rows.Next())
	assert.Equal(t, int64(1), rows.Row().Values[0])

	// Abandon after one row; the closed iterator never resumes.
	require.NoError(t, rows.Close())
	assert.False(t, rows.Next())
	assert.NoError(t, rows.Err())

	// A fresh iteration starts from the first row again.
	rows, err = stmt.Iterate()
	require.NoError(t, err)
	require.True(t, rows.Next())
	assert.Equal(t, int64(1), rows.Row().Values[0])
	require.NoError(t, rows.Close())
}

func TestIterateWithParameters(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Exec("INSERT INTO scratch (v) VALUES (1), (2), (3)"))

	stmt, err := db.Prepare("SELECT v FROM scratch WHERE v > ? ORDER BY v")
	require.NoError(t, err)
	defer stmt.Finalize()

	rows, err := stmt.Iterate(1)
	require.NoError(t, err)
	var got []int64
	for rows.Next() {
		got = append(got, rows.Row().Values[0].(int64))
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []int64{2, 3}, got)
}

func TestIteratorRespectsStatementModes(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Exec("INSERT INTO scratch (v) VALUES ('x')"))

	stmt, err := db.Prepare("SELECT v FROM scratch")
	require.NoError(t, err)
	defer stmt.Finalize()
	require.NoError(t, stmt.SetReturnArrays(true))

	rows, err := stmt.Iterate()
	require.NoError(t, err)
	require.True(t, rows.Next())
	assert.Nil(t, rows.Row().Named)
	assert.Equal(t, []any{"x"}, rows.Row().Values)
	require.NoError(t, rows.Close())
}
