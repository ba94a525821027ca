package arctype

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_DanglingSecurityIndex(t *testing.T) {
	t.Parallel()

	db := &Database{
		Security: [][]byte{{1}, {2}, {3}},
		Images:   []Image{{Index: 1}},
		Entries: []Entry{
			{Name: "ok.txt", Image: 1, Security: 0},
			{Name: "bad.txt", Image: 1, Security: 7},
			{Name: "plain.txt", Image: 1, Security: NoSecurity},
		},
	}
	db.Validate()

	require.True(t, db.HasError())
	require.Len(t, db.Issues, 1)
	assert.Equal(t, IssueSecurityRef, db.Issues[0].Kind)
	assert.Equal(t, 1, db.Issues[0].Entry)
	assert.True(t, db.EntryOK(0))
	assert.False(t, db.EntryOK(1))
	assert.True(t, db.EntryOK(2))
	assert.Len(t, db.Entries, 3)
}

func TestValidate_Idempotent(t *testing.T) {
	t.Parallel()

	db := &Database{
		Entries: []Entry{{Name: "x", Image: 4, Security: NoSecurity}},
	}
	db.AddIssue(IssueMetadata, -1, "bad xml")
	db.Validate()
	db.Validate()

	require.Len(t, db.Issues, 2)
	assert.Equal(t, IssueMetadata, db.Issues[0].Kind)
	assert.Equal(t, IssueImageRef, db.Issues[1].Kind)

	db.Images = []Image{{Index: 1}, {Index: 2}, {Index: 3}, {Index: 4}}
	db.Validate()
	require.Len(t, db.Issues, 1)
	assert.Equal(t, IssueMetadata, db.Issues[0].Kind)
}

func TestValidate_Selectors(t *testing.T) {
	t.Parallel()

	db := &Database{Images: []Image{{Index: 1}}, DefaultImage: 2, BootImage: 1}
	db.Validate()
	require.Len(t, db.Issues, 1)
	assert.Equal(t, IssueImageRef, db.Issues[0].Kind)
	assert.Equal(t, -1, db.Issues[0].Entry)
}

func TestResolveDefaultImage(t *testing.T) {
	t.Parallel()

	three := []Image{{Index: 1}, {Index: 2}, {Index: 3}}
	tests := []struct {
		name     string
		db       Database
		fallback int
		want     int
	}{
		{"no images", Database{}, 2, 0},
		{"stored wins", Database{Images: three, DefaultImage: 3}, 2, 3},
		{"fallback when absent", Database{Images: three}, 2, 2},
		{"first when fallback invalid", Database{Images: three}, 9, 1},
		{"fallback when stored invalid", Database{Images: three, DefaultImage: 8}, 2, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.db.ResolveDefaultImage(tt.fallback))
		})
	}
}

func TestBaseName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "c.txt", BaseName(`a\b\c.txt`))
	assert.Equal(t, "c.txt", BaseName("a/b/c.txt"))
	assert.Equal(t, "c.txt", BaseName("c.txt"))
	assert.Equal(t, "", BaseName(`dir\`))
}

func TestCleanPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "a/b/c.txt", CleanPath(`a\b\c.txt`))
	assert.Equal(t, "a/c.txt", CleanPath("/a/./b/../c.txt"))
	assert.Equal(t, "", CleanPath(""))
	assert.Equal(t, "x", CleanPath("../x"))
}

func TestDatabase_Clone(t *testing.T) {
	t.Parallel()

	show := true
	db := &Database{
		Entries:         []Entry{{Name: "a", Extra: map[uint16][]byte{1: {9}}}},
		Security:        [][]byte{{1, 2}},
		ShowImageNumber: &show,
	}
	c := db.Clone()
	c.Entries[0].Extra[1][0] = 0
	c.Security[0][0] = 0
	*c.ShowImageNumber = false

	assert.Equal(t, byte(9), db.Entries[0].Extra[1][0])
	assert.Equal(t, byte(1), db.Security[0][0])
	assert.True(t, *db.ShowImageNumber)
}
