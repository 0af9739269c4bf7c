package cdc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	for _, tt := range []struct {
		code int64
		want Operation
	}{
		{1, Delete},
		{2, Insert},
		{3, Unknown},
		{4, Update},
		{0, Unknown},
		{99, Unknown},
	} {
		assert.Equal(t, tt.want, Classify(tt.code), "code %d", tt.code)
	}
	assert.Equal(t, "update", Update.String())
	assert.Equal(t, "unknown", Operation(42).String())
}

func TestFieldIndex(t *testing.T) {
	t.Run("required columns", func(t *testing.T) {
		_, err := NewFieldIndex([]string{OperationColumn, "NAME"}, OperationColumn, SequenceColumn, "ACC_NUM")
		require.Error(t, err)
		assert.Contains(t, err.Error(), SequenceColumn)
		assert.Contains(t, err.Error(), "ACC_NUM")
	})

	t.Run("duplicate columns", func(t *testing.T) {
		_, err := NewFieldIndex([]string{"A", "A"})
		require.Error(t, err)
	})

	t.Run("records read through the index", func(t *testing.T) {
		idx, err := NewFieldIndex([]string{SequenceColumn, OperationColumn, "ACC_NUM", "NAME"}, "ACC_NUM")
		require.NoError(t, err)
		assert.Equal(t, []string{"ACC_NUM", "NAME"}, idx.Names())

		rec := NewRecord(2, "00AB", idx, []interface{}{[]byte{0xab}, int64(2), "A1", "Foo"})
		assert.Equal(t, Insert, rec.Op)
		v, ok := rec.Get("NAME")
		require.True(t, ok)
		assert.Equal(t, "Foo", v)
		assert.False(t, rec.Has("MISSING"))
		assert.Equal(t, []string{"ACC_NUM", "NAME"}, rec.Fields())
	})

	t.Run("zero record", func(t *testing.T) {
		var rec Record
		_, ok := rec.Get("ANY")
		assert.False(t, ok)
		assert.Nil(t, rec.Fields())
	})
}

func TestChunk(t *testing.T) {
	keys := []string{"a", "b", "c", "d", "e"}
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, chunk(keys, 2))
	assert.Nil(t, chunk(nil, 2))
}

func TestEmptyCursor(t *testing.T) {
	c := EmptyCursor()
	assert.False(t, c.Next())
	assert.NoError(t, c.Err())
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}
