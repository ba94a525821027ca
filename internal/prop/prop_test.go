package prop

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue_Accessors(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)

	b, err := Bool(true).AsBool()
	require.NoError(t, err)
	assert.True(t, b)

	u32, err := U32(7).AsU32()
	require.NoError(t, err)
	assert.Equal(t, uint32(7), u32)

	u64, err := U64(1 << 40).AsU64()
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<40), u64)

	ts, err := Time(now).AsTime()
	require.NoError(t, err)
	assert.True(t, ts.Equal(now))

	s, err := Text("a.txt").AsText()
	require.NoError(t, err)
	assert.Equal(t, "a.txt", s)

	blob, err := Blob([]byte{1, 2}).AsBlob()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, blob)

	assert.True(t, Empty().IsEmpty())
	assert.Equal(t, KindEmpty, Value{}.Kind())
}

func TestValue_NoCoercion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		read func() error
		want Kind
		got  Kind
	}{
		{"u32 as u64", func() error { _, err := U32(1).AsU64(); return err }, KindU64, KindU32},
		{"u64 as u32", func() error { _, err := U64(1).AsU32(); return err }, KindU32, KindU64},
		{"bool as text", func() error { _, err := Bool(true).AsText(); return err }, KindText, KindBool},
		{"empty as bool", func() error { _, err := Empty().AsBool(); return err }, KindBool, KindEmpty},
		{"text as time", func() error { _, err := Text("x").AsTime(); return err }, KindTime, KindText},
		{"time as blob", func() error { _, err := Time(time.Now()).AsBlob(); return err }, KindBlob, KindTime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.read()
			require.ErrorIs(t, err, ErrTypeMismatch)
			var mm *MismatchError
			require.True(t, errors.As(err, &mm))
			assert.Equal(t, tt.want, mm.Want)
			assert.Equal(t, tt.got, mm.Got)
		})
	}
}

func TestValue_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "<empty>", Empty().String())
	assert.Equal(t, "true", Bool(true).String())
	assert.Equal(t, "42", U32(42).String())
	assert.Equal(t, `"x"`, Text("x").String())
	assert.Equal(t, "<3 bytes>", Blob([]byte("abc")).String())
	assert.Equal(t, "size", Size.String())
}
