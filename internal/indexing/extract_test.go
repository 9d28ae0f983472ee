package indexing

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/crawler"
)

func TestExtractTitleFallbacks(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		`<html><head><title> Page  Title </title></head></html>`:                                          "Page Title",
		`<html><head><meta property="og:title" content="OG Title"></head><body><h1>H1</h1></body></html>`: "OG Title",
		`<html><body><h1>Heading</h1></body></html>`:                                                      "Heading",
		`<html><head><meta name="twitter:title" content="Tweet"></head></html>`:                           "Tweet",
	}
	for html, want := range cases {
		doc, err := Extract([]byte(html), "https://x.test/")
		require.NoError(t, err)
		require.Equal(t, want, doc.Title)
	}
}

func TestExtractMainContentSkipsBoilerplate(t *testing.T) {
	t.Parallel()

	html := `<html><body>
<header>Site header</header>
<div class="cookie-banner">We use cookies</div>
<main>Main text lives here.</main>
<aside>Related links</aside>
</body></html>`
	doc, err := Extract([]byte(html), "https://x.test/")
	require.NoError(t, err)
	require.Equal(t, "Main text lives here.", doc.Text)
}

func TestDetectKind(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		html string
		url  string
		want crawler.ContentKind
	}{
		{"og type", `<html><head><meta property="og:type" content="article"></head></html>`, "https://x.test/", crawler.ContentArticle},
		{"json-ld", `<html><head><script type="application/ld+json">{"@type":"TechArticle"}</script></head></html>`, "https://x.test/", crawler.ContentArticle},
		{"docs url", `<html></html>`, "https://x.test/docs/intro", crawler.ContentDocumentation},
		{"forum url", `<html></html>`, "https://x.test/forum/t/1", crawler.ContentForum},
		{"tutorial url", `<html></html>`, "https://x.test/howto/start", crawler.ContentTutorial},
		{"structure", `<html><body><div class="thread-list"></div></body></html>`, "https://x.test/", crawler.ContentForum},
		{"general", `<html><body><p>hi</p></body></html>`, "https://x.test/", crawler.ContentGeneral},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			doc, err := Extract([]byte(tc.html), tc.url)
			require.NoError(t, err)
			require.Equal(t, tc.want, doc.Kind)
		})
	}
}

func TestExtractPublishedFormats(t *testing.T) {
	t.Parallel()

	doc, err := Extract([]byte(`<html><body><time datetime="2024-02-29">Feb 29</time></body></html>`), "https://x.test/")
	require.NoError(t, err)
	require.NotNil(t, doc.Published)
	require.Equal(t, 29, doc.Published.Day())

	doc, err = Extract([]byte(`<html><body><span class="published">March 3, 2023</span></body></html>`), "https://x.test/")
	require.NoError(t, err)
	require.NotNil(t, doc.Published)
	require.Equal(t, 2023, doc.Published.Year())

	doc, err = Extract([]byte(`<html><body><span class="date">yesterday</span></body></html>`), "https://x.test/")
	require.NoError(t, err)
	require.Nil(t, doc.Published)
}

func TestSimHashDistance(t *testing.T) {
	t.Parallel()

	a := SimHash("the quick brown fox jumps over the lazy dog near the river bank today")
	b := SimHash("the quick brown fox jumps over the lazy dog near the river bank tonight")
	c := SimHash("completely unrelated words about database replication and consensus protocols")
	require.Equal(t, 0, Distance(a, a))
	require.Less(t, Distance(a, b), Distance(a, c))
	require.Equal(t, uint64(0), SimHash(""))
}
