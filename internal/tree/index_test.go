package tree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndex(t *testing.T) {
	ix := NewIndex()
	root := newRealFolder("", "", nil)
	ix.Insert(root)

	a := newFolder("Alpha")
	a.attach(root)
	ix.Insert(a)
	b := newFolder("beta")
	b.attach(a)
	ix.Insert(b)

	assert.Same(t, root, ix.Lookup(`\`))
	assert.Same(t, a, ix.Lookup(`\ALPHA`))
	assert.Same(t, b, ix.Lookup(`/alpha/BETA`))
	assert.Nil(t, ix.Lookup(`\beta`), "same name, different parent")
	assert.Equal(t, 3, ix.Len())

	children, ok := ix.List(`\alpha`)
	require.True(t, ok)
	assert.Equal(t, []*Node{b}, children)

	// A second node at the same path replaces the first.
	b2 := newFolder("BETA")
	b2.attach(a)
	assert.Same(t, b, ix.Insert(b2))
	assert.Same(t, b2, ix.Lookup(`\alpha\beta`))
	assert.Equal(t, 3, ix.Len())

	assert.True(t, ix.Remove(b2))
	assert.False(t, ix.Remove(b2))
	assert.Nil(t, ix.Lookup(`\alpha\beta`))

	assert.Same(t, a, ix.RemovePath(`\alpha`))
	assert.Nil(t, ix.RemovePath(`\alpha`))
	assert.Equal(t, 1, ix.Len())
}

func TestIndexSubtreeRelocation(t *testing.T) {
	ix := NewIndex()
	root := newRealFolder("", "", nil)
	ix.Insert(root)

	src := newFolder("src")
	dst := newFolder("dst")
	leaf := newFolder("leaf")
	src.attach(root)
	dst.attach(root)
	leaf.attach(src)
	ix.insertSubtree(src)
	ix.Insert(dst)

	ix.removeSubtree(src)
	src.detach()
	src.name = "moved"
	src.attach(dst)
	ix.insertSubtree(src)

	assert.Nil(t, ix.Lookup(`\src`))
	assert.Nil(t, ix.Lookup(`\src\leaf`))
	assert.Same(t, src, ix.Lookup(`\dst\moved`))
	assert.Same(t, leaf, ix.Lookup(`\dst\moved\leaf`))
	assert.Equal(t, 4, ix.Len())
}

func TestPaths(t *testing.T) {
	assert.Nil(t, Split(`\`))
	assert.Equal(t, []string{"a", "b"}, Split(`\a//b\`))
	assert.Equal(t, `\`, Join())
	assert.Equal(t, `\a\b`, Clean(`/a/b/`))
	assert.Equal(t, `\a`, BuildChildPath(`\`, "a"))
	assert.Equal(t, `\a\b`, BuildChildPath(`\a`, "b"))

	assert.True(t, HasPrefix(`\A3\data\x`, `\a3`))
	assert.True(t, HasPrefix(`\a3`, `\a3`))
	assert.False(t, HasPrefix(`\a3x`, `\a3`))
	assert.False(t, HasPrefix(`\a3`, `\a3\data`))
}
