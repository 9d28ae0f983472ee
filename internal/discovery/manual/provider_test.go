package manual

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/crawler"
)

func TestProviderReturnsSeeds(t *testing.T) {
	t.Parallel()

	p := New([]string{"https://a.test/", "  ", " https://b.test/x "})
	cands, err := p.DiscoverCandidates(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, []crawler.Candidate{
		{URL: "https://a.test/", Provider: "manual"},
		{URL: "https://b.test/x", Provider: "manual"},
	}, cands)
	require.Equal(t, crawler.DiscoveryManual, p.Method())
}
