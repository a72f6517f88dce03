package docswarm

import (
	"testing"

	"github.com/drpcorg/docswarm/docswarm_errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocIndex_RequestDedup(t *testing.T) {
	x := NewDocIndex()
	assert.Equal(t, uint64(1), x.Requested("d", "x"))

	from, ok := x.Request("d", "x", 10)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), from)
	// the same range again, before the first fetch is done
	_, ok = x.Request("d", "x", 10)
	assert.False(t, ok)
	_, ok = x.Request("d", "x", 4)
	assert.False(t, ok)
	from, ok = x.Request("d", "x", 12)
	assert.True(t, ok)
	assert.Equal(t, uint64(10), from)

	// marks are per document
	from, ok = x.Request("e", "x", 3)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), from)
}

func TestDocIndex_RewindRaise(t *testing.T) {
	x := NewDocIndex()
	x.Request("d", "x", 10)
	x.Rewind("d", "x", 6)
	assert.Equal(t, uint64(6), x.Requested("d", "x"))
	x.Rewind("d", "x", 8)
	assert.Equal(t, uint64(6), x.Requested("d", "x"))
	from, ok := x.Request("d", "x", 10)
	assert.True(t, ok)
	assert.Equal(t, uint64(6), from)

	x.Raise("d", "y", 5)
	assert.Equal(t, uint64(5), x.Requested("d", "y"))
	assert.Equal(t, uint64(5), x.Applied("d", "y"))
	x.Raise("d", "y", 3)
	assert.Equal(t, uint64(5), x.Applied("d", "y"))
}

func TestDocIndex_MetaAndRemove(t *testing.T) {
	x := NewDocIndex()
	x.SetMeta("a", &Metadata{DocID: "a", GroupID: "a"})
	x.SetMeta("b", &Metadata{DocID: "b", GroupID: "a", ParentID: "a"})
	x.SetMeta("c", &Metadata{DocID: "b", GroupID: "a"})
	assert.Equal(t, []string{"a", "b", "c"}, x.Group("a"))
	assert.Equal(t, []string{"b", "c"}, x.Actors("b"))
	assert.Equal(t, []string{"a", "b"}, x.Docs())
	assert.False(t, x.AddActor("b", "c"))
	assert.True(t, x.AddActor("b", "a"))

	x.Request("b", "a", 3)
	x.RemoveDoc("b")
	assert.Equal(t, []string{"a"}, x.Group("a"))
	assert.Empty(t, x.Actors("b"))
	assert.Equal(t, uint64(1), x.Requested("b", "a"))
	_, ok := x.Meta("c")
	assert.False(t, ok)
	_, ok = x.Meta("a")
	assert.True(t, ok)
}

func TestMetadata_Build(t *testing.T) {
	md, err := buildMetadata("a1",
		map[string]any{"app": "test", "color": "red"},
		map[string]any{"groupId": "g", "color": "blue"},
		map[string]any{"docId": "ignored", "title": "x"},
	)
	require.NoError(t, err)
	assert.Equal(t, "a1", md.DocID)
	assert.Equal(t, "g", md.GroupID)
	assert.Equal(t, SchemaVersion, md.Schema)
	assert.Equal(t, map[string]any{"app": "test", "color": "blue", "title": "x"}, md.Extra)

	md, err = buildMetadata("a1", nil)
	require.NoError(t, err)
	assert.Equal(t, "a1", md.GroupID)
	assert.Nil(t, md.Extra)

	_, err = buildMetadata("a1", map[string]any{"groupId": 7})
	assert.ErrorIs(t, err, docswarm_errors.ErrBadMetadata)
}

func TestMetadata_Decode(t *testing.T) {
	md := &Metadata{DocID: "d", GroupID: "g", ParentID: "p", Schema: SchemaVersion, Extra: map[string]any{"k": "v"}}
	data, err := encodeMetadata(md)
	require.NoError(t, err)
	back, err := decodeMetadata(data)
	require.NoError(t, err)
	assert.Equal(t, md, back)

	_, err = decodeMetadata([]byte(`{"groupId":"g","schema":"docswarm/1"}`))
	assert.ErrorIs(t, err, docswarm_errors.ErrBadMetadata)
	_, err = decodeMetadata([]byte(`{"docId":"d","schema":"docswarm/2"}`))
	assert.ErrorIs(t, err, docswarm_errors.ErrBadMetadata)
	_, err = decodeMetadata([]byte(`not json`))
	assert.ErrorIs(t, err, docswarm_errors.ErrBadMetadata)

	back, err = decodeMetadata([]byte(`{"docId":"d","schema":"docswarm/1.2"}`))
	assert.NoError(t, err)
	assert.Equal(t, "d", back.GroupID)
}
