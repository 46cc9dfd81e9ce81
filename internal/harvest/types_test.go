package harvest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlug(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "https://example.com/es/learn/video/opening-basics", want: "opening-basics"},
		{name: "trailing slash", in: "https://example.com/es/learn/video/endgames/", want: "endgames"},
		{name: "query ignored", in: "https://example.com/course/tactics?lang=es", want: "tactics"},
		{name: "escaped", in: "https://example.com/course/caf%C3%A9", want: "café"},
		{name: "root", in: "https://example.com/", want: "root"},
		{name: "relative", in: "/a/b/c", want: "c"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Slug(tc.in))
		})
	}
}

func TestSubItemDir(t *testing.T) {
	t.Parallel()

	got := SubItemDir(filepath.Join("out", "course"), 3, "https://example.com/video/chapter-three")
	require.Equal(t, filepath.Join("out", "course", "3. chapter-three"), got)
}

func TestResolveURL(t *testing.T) {
	t.Parallel()

	got, err := ResolveURL("https://example.com", "/es/learn/video/x")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/es/learn/video/x", got)

	got, err = ResolveURL("https://example.com", "https://cdn.example.org/v.webm")
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example.org/v.webm", got)

	got, err = ResolveURL("", "/relative")
	require.NoError(t, err)
	require.Equal(t, "/relative", got)
}
