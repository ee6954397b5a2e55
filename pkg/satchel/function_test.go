package satchel

import (
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selectOne(t *testing.T, db *Database, sql string, args ...any) any {
	t.Helper()
	stmt, err := db.Prepare(sql)
	require.NoError(t, err)
	defer stmt.Finalize()
	row, err := stmt.Get(args...)
	require.NoError(t, err)
	require.NotNil(t, row)
	return row.Values[0]
}

func TestCreateScalarFunction(t *testing.T) {
	db := openTestDB(t)

	err := db.CreateFunction("double_it", nil, func(v int64) int64 { return v * 2 })
	require.NoError(t, err)

	assert.Equal(t, int64(14), selectOne(t, db, "SELECT double_it(7)"))
}

func TestScalarFunctionArgumentKinds(t *testing.T) {
	db := openTestDB(t)

	err := db.CreateFunction("describe", nil, func(v any) string {
		switch v.(type) {
		case nil:
			return "null"
		case int64:
			return "integer"
		case float64:
			return "float"
		case string:
			return "text"
		case []byte:
			return "blob"
		default:
			return "other"
		}
	})
	require.NoError(t, err)

	assert.Equal(t, "null", selectOne(t, db, "SELECT describe(NULL)"))
	assert.Equal(t, "integer", selectOne(t, db, "SELECT describe(1)"))
	assert.Equal(t, "float", selectOne(t, db, "SELECT describe(1.5)"))
	assert.Equal(t, "text", selectOne(t, db, "SELECT describe('s')"))
	assert.Equal(t, "blob", selectOne(t, db, "SELECT describe(x'00ff')"))
}

func TestScalarFunctionVariadic(t *testing.T) {
	db := openTestDB(t)

	err := db.CreateFunction("concat_all", nil, func(parts ...string) string {
		return strings.Join(parts, "-")
	})
	require.NoError(t, err)

	assert.Equal(t, "a-b-c", selectOne(t, db, "SELECT concat_all('a', 'b', 'c')"))
	assert.Equal(t, "", selectOne(t, db, "SELECT concat_all()"))
}

func TestScalarFunctionErrorPropagates(t *testing.T) {
	db := openTestDB(t)

	err := db.CreateFunction("always_fails", nil, func() (int64, error) {
		return 0, assert.AnError
	})
	require.NoError(t, err)

	stmt, err := db.Prepare("SELECT always_fails()")
	require.NoError(t, err)
	defer stmt.Finalize()

	_, err = stmt.Get()
	require.Error(t, err)
	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.Contains(t, ee.Message, assert.AnError.Error())
}

func TestScalarFunctionPanicBecomesError(t *testing.T) {
	db := openTestDB(t)

	err := db.CreateFunction("panics", nil, func() int64 { panic("boom") })
	require.NoError(t, err)

	stmt, err := db.Prepare("SELECT panics()")
	require.NoError(t, err)
	defer stmt.Finalize()

	_, err = stmt.Get()
	require.Error(t, err)
	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.Contains(t, ee.Message, "boom")
}

func TestScalarFunctionWideIntegerArgs(t *testing.T) {
	db := openTestDB(t)

	err := db.CreateFunction("big_inc", &FunctionOptions{UseBigIntArgs: true}, func(v *big.Int) *big.Int {
		return new(big.Int).Add(v, big.NewInt(1))
	})
	require.NoError(t, err)

	stmt, err := db.Prepare("SELECT big_inc(9223372036854775806)")
	require.NoError(t, err)
	defer stmt.Finalize()
	require.NoError(t, stmt.SetReadBigInts(true))

	row, err := stmt.Get()
	require.NoError(t, err)
	got, ok := row.Values[0].(*big.Int)
	require.True(t, ok)
	assert.Equal(t, "9223372036854775807", got.String())
}

func TestScalarFunctionWrongArityRejectedByEngine(t *testing.T) {
	db := openTestDB(t)

	err := db.CreateFunction("pair", nil, func(a, b int64) int64 { return a + b })
	require.NoError(t, err)

	stmt, err := db.Prepare("SELECT pair(1)")
	if err == nil {
		defer stmt.Finalize()
		_, err = stmt.Get()
	}
	require.Error(t, err)
	var ee *EngineError
	assert.ErrorAs(t, err, &ee)
}

func TestCreateFunctionRejectsNonFunc(t *testing.T) {
	db := openTestDB(t)

	err := db.CreateFunction("bogus", nil, 42)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestDeterministicFunctionUsableInIndex(t *testing.T) {
	db := openTestDB(t)

	err := db.CreateFunction("folded", &FunctionOptions{Deterministic: true}, func(s string) string {
		return strings.ToLower(s)
	})
	require.NoError(t, err)

	// Only deterministic functions may appear in an index expression.
	require.NoError(t, db.Exec("CREATE TABLE words (w TEXT)"))
	require.NoError(t, db.Exec("CREATE INDEX words_folded ON words (folded(w))"))
}
