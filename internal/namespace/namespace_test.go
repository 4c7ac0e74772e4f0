package namespace

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFileMDOrphanLifecycle(t *testing.T) {
	f := &FileMD{ID: 1, Locations: []int{10, 11}}
	assert.False(t, f.IsOrphan())

	f.Unlink(10)
	assert.Equal(t, []int{11}, f.Locations)
	assert.Equal(t, []int{10}, f.Unlinked)
	assert.False(t, f.IsOrphan())

	f.Unlink(11)
	assert.Empty(t, f.Locations)
	assert.False(t, f.IsOrphan()) // still has an unlinked copy pending deletion

	f.RemoveUnlinked(10)
	f.RemoveUnlinked(11)
	assert.True(t, f.IsOrphan())
}

func TestFileMDHasLocation(t *testing.T) {
	f := &FileMD{Locations: []int{1, 2, 3}}
	assert.True(t, f.HasLocation(2))
	assert.False(t, f.HasLocation(4))
}

func TestContainerMDAttr(t *testing.T) {
	c := &ContainerMD{Attrs: map[string]string{AttrSysACL: "u:foo:rwx"}}
	v, ok := c.Attr(AttrSysACL)
	assert.True(t, ok)
	assert.Equal(t, "u:foo:rwx", v)

	_, ok = c.Attr(AttrForcedSpace)
	assert.False(t, ok)
}

func TestQuotaNodeBook(t *testing.T) {
	q := NewQuotaNode(42)
	q.Book(100, 200, 2048, 1024, 1)

	uid := q.ByUID[100]
	gid := q.ByGID[200]
	assert.Equal(t, uint64(2048), uid.PhysicalSpace)
	assert.Equal(t, uint64(1024), uid.Space)
	assert.Equal(t, uint64(1), uid.Files)
	assert.Equal(t, uint64(2048), gid.PhysicalSpace)

	// Unbooking (negative delta) on release.
	q.Book(100, 200, -2048, -1024, -1)
	assert.Equal(t, uint64(0), uid.PhysicalSpace)
	assert.Equal(t, uint64(0), uid.Files)
}

func TestQuotaNodeBookClampsAtZero(t *testing.T) {
	q := NewQuotaNode(1)
	q.Book(1, 1, -100, -100, -5)
	assert.Equal(t, uint64(0), q.ByUID[1].PhysicalSpace)
	assert.Equal(t, uint64(0), q.ByUID[1].Files)
}
