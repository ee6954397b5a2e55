// Unit tests for value marshalling across the engine boundary.
package satchel

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestDB opens a fresh in-memory database with a one-column scratch
// table for round-trip checks.
func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := Open(DefaultConfig(MemoryLocation))
	require.NoError(t, err)
	t.Cleanup(func() {
		if db.IsOpen() {
			_ = db.Close()
		}
	})
	require.NoError(t, db.Exec("CREATE TABLE scratch (v)"))
	return db
}

func roundTrip(t *testing.T, db *Database, v any) any {
	t.Helper()
	require.NoError(t, db.Exec("DELETE FROM scratch"))

	ins, err := db.Prepare("INSERT INTO scratch (v) VALUES (?)")
	require.NoError(t, err)
	defer ins.Finalize()
	_, err = ins.Run(v)
	require.NoError(t, err)

	sel, err := db.Prepare("SELECT v FROM scratch")
	require.NoError(t, err)
	defer sel.Finalize()
	row, err := sel.Get()
	require.NoError(t, err)
	require.NotNil(t, row)
	return row.Values[0]
}

func TestRoundTripLossless(t *testing.T) {
	db := openTestDB(t)

	assert.Equal(t, int64(42), roundTrip(t, db, int64(42)))
	assert.Equal(t, int64(-1), roundTrip(t, db, -1))
	assert.Equal(t, 3.5, roundTrip(t, db, 3.5))
	assert.Equal(t, "hello", roundTrip(t, db, "hello"))
	assert.Equal(t, []byte{0x01, 0x02, 0x00, 0x03}, roundTrip(t, db, []byte{0x01, 0x02, 0x00, 0x03}))
	assert.Nil(t, roundTrip(t, db, nil))
}

func TestBooleansBindAsIntegers(t *testing.T) {
	db := openTestDB(t)

	// The engine has no boolean type; true and false bind as 1 and 0.
	assert.Equal(t, int64(1), roundTrip(t, db, true))
	assert.Equal(t, int64(0), roundTrip(t, db, false))
}

func TestIntegralFloatNarrowsToInteger(t *testing.T) {
	db := openTestDB(t)

	assert.Equal(t, int64(7), roundTrip(t, db, 7.0))
	assert.Equal(t, 7.5, roundTrip(t, db, 7.5))
	// Integral but outside the narrow range: stays a float cell.
	assert.Equal(t, 1e18, roundTrip(t, db, 1e18))
}

func TestUnsupportedTypesFallBackToString(t *testing.T) {
	db := openTestDB(t)

	type opaque struct{ A int }
	got := roundTrip(t, db, opaque{A: 1})
	_, ok := got.(string)
	assert.True(t, ok, "unsupported types should bind as their string form")
}

func TestWideIntegerRejectedWithoutOptIn(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Exec("DELETE FROM scratch"))
	require.NoError(t, db.Exec("INSERT INTO scratch (v) VALUES (9223372036854775807)"))

	sel, err := db.Prepare("SELECT v FROM scratch")
	require.NoError(t, err)
	defer sel.Finalize()

	_, err = sel.Get()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIntegerTooWide)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	// With wide-integer mode the same value reads as *big.Int.
	require.NoError(t, sel.SetReadBigInts(true))
	row, err := sel.Get()
	require.NoError(t, err)
	b, ok := row.Values[0].(*big.Int)
	require.True(t, ok)
	assert.Equal(t, "9223372036854775807", b.String())
}

func TestSafeRangeIntegerStaysInt64(t *testing.T) {
	db := openTestDB(t)

	// Outside the narrow range but within the safe range: plain int64.
	v := roundTrip(t, db, int64(1)<<40)
	assert.Equal(t, int64(1)<<40, v)
}

func TestBigIntBinding(t *testing.T) {
	db := openTestDB(t)

	// Fits in 64 bits: binds as an integer cell.
	got := roundTrip(t, db, big.NewInt(123456))
	assert.Equal(t, int64(123456), got)

	// Wider than 64 bits: binds as its decimal string form (lossy by
	// design: the round trip yields text).
	huge, ok := new(big.Int).SetString("170141183460469231731687303715884105727", 10)
	require.True(t, ok)
	assert.Equal(t, huge.String(), roundTrip(t, db, huge))
}

func TestConvertIntegerBoundaries(t *testing.T) {
	tests := []struct {
		name string
		v    int64
		wide bool
		want any
		err  error
	}{
		{name: "narrow stays int64", v: 100, want: int64(100)},
		{name: "narrow max", v: NarrowIntMax, want: NarrowIntMax},
		{name: "beyond narrow, within safe", v: NarrowIntMax + 1, want: NarrowIntMax + 1},
		{name: "safe max", v: MaxSafeInteger, want: MaxSafeInteger},
		{name: "beyond safe rejected", v: MaxSafeInteger + 1, err: ErrIntegerTooWide},
		{name: "beyond safe negative rejected", v: MinSafeInteger - 1, err: ErrIntegerTooWide},
		{name: "wide mode narrow stays int64", v: 100, wide: true, want: int64(100)},
		{name: "wide mode beyond narrow is big", v: NarrowIntMax + 1, wide: true, want: big.NewInt(NarrowIntMax + 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := convertInteger(tt.v, tt.wide)
			if tt.err != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
