package simple

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllowFetchBlocksPatterns(t *testing.T) {
	t.Parallel()

	p := New([]string{"facebook.com", "*.ads.test", " .tracker.test ", ""}, nil)
	cases := []struct {
		url  string
		want bool
	}{
		{"https://facebook.com/page", false},
		{"https://www.facebook.com/page", false},
		{"https://notfacebook.com/", true},
		{"https://x.ads.test/banner", false},
		{"https://ads.test/", false},
		{"https://cdn.tracker.test/pixel", false},
		{"https://golang.org/doc/effective", true},
		{"not a url", true},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, p.AllowFetch(tc.url), tc.url)
	}
}

func TestAllowHeadless(t *testing.T) {
	t.Parallel()

	open := New([]string{"blocked.test"}, nil)
	require.True(t, open.AllowHeadless("https://spa.test/"))
	require.False(t, open.AllowHeadless("https://blocked.test/"))

	limited := New(nil, []string{"spa.test"})
	require.True(t, limited.AllowHeadless("https://app.spa.test/"))
	require.False(t, limited.AllowHeadless("https://static.test/"))
	require.True(t, limited.AllowFetch("https://static.test/"))
}

func TestNilPolicyAllowsEverything(t *testing.T) {
	t.Parallel()

	var p *Policy
	require.True(t, p.AllowFetch("https://example.com/"))
	require.True(t, p.AllowHeadless("https://example.com/"))
	require.False(t, p.Blocked("example.com"))
}
