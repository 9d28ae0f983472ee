package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/crawler"
)

const rssBody = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Blog</title>
<item><title>Go generics</title><link>https://blog.test/generics</link><description>A tour</description></item>
<item><title>Second</title><link>/relative</link></item>
<item><title>Dup</title><link>https://blog.test/generics</link></item>
</channel></rss>`

const atomBody = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom"><title>News</title>
<entry><title>Launch</title><link href="https://news.test/launch"/><summary>We shipped</summary></entry>
</feed>`

func TestDiscoverFromExplicitFeeds(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/rss", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, rssBody)
	})
	mux.HandleFunc("/atom", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/atom+xml")
		fmt.Fprint(w, atomBody)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := New(Config{}, zap.NewNop())
	cands, err := p.DiscoverFromSource(context.Background(), crawler.Source{
		Domain:     "blog.test",
		FeedURL:    srv.URL + "/rss",
		SitemapURL: srv.URL + "/atom",
	})
	require.NoError(t, err)
	require.Len(t, cands, 3)
	require.Equal(t, crawler.Candidate{
		URL:         "https://blog.test/generics",
		Title:       "Go generics",
		Description: "A tour",
		Provider:    "feed",
	}, cands[0])
	require.Equal(t, srv.URL+"/relative", cands[1].URL)
	require.Equal(t, "https://news.test/launch", cands[2].URL)
	require.Equal(t, "We shipped", cands[2].Description)
}

func TestDiscoverProbesSitemapIndex(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, `<?xml version="1.0"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
<sitemap><loc>%s/posts.xml</loc></sitemap>
</sitemapindex>`, srv.URL)
	})
	mux.HandleFunc("/posts.xml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, `<?xml version="1.0"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
<url><loc>https://site.test/a</loc></url>
<url><loc>https://site.test/b</loc></url>
</urlset>`)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	p := New(Config{MaxItems: 10}, nil)
	cands, err := p.DiscoverFromSource(context.Background(), crawler.Source{Domain: "site.test", RootURL: srv.URL + "/"})
	require.NoError(t, err)
	require.Len(t, cands, 2)
	require.Equal(t, "https://site.test/a", cands[0].URL)
	require.Equal(t, "https://site.test/b", cands[1].URL)
}

func TestDiscoverCapsItems(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, rssBody)
	}))
	defer srv.Close()

	p := New(Config{MaxItems: 1}, nil)
	cands, err := p.DiscoverFromSource(context.Background(), crawler.Source{Domain: "blog.test", FeedURL: srv.URL})
	require.NoError(t, err)
	require.Len(t, cands, 1)
}

func TestDiscoverErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	p := New(Config{}, nil)

	_, err := p.DiscoverFromSource(context.Background(), crawler.Source{Domain: "gone.test", FeedURL: srv.URL + "/feed"})
	require.Error(t, err)

	cands, err := p.DiscoverFromSource(context.Background(), crawler.Source{Domain: "quiet.test", RootURL: srv.URL + "/"})
	require.NoError(t, err)
	require.Empty(t, cands)

	_, err = p.DiscoverFromSource(context.Background(), crawler.Source{Domain: "", RootURL: "::bad"})
	require.ErrorIs(t, err, crawler.ErrInvalidURL)
}
