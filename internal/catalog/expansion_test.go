package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/harvest/harvesttest"
)

const subSel = ".videosList > ul > li > h3 > a[href]"

func TestExpandAssignsOrdinalsInPageOrder(t *testing.T) {
	t.Parallel()

	item := "https://example.com/es/learn/course/endgame-secrets"
	page := harvesttest.NewPage(&harvesttest.Script{Sites: map[string]*harvesttest.Site{
		item: {Attrs: map[string][]string{
			harvesttest.Key(subSel, "href"): {
				"/es/learn/video/endgame-secrets/rook-endings",
				"/es/learn/video/endgame-secrets/pawn-races",
				"https://example.com/es/learn/video/endgame-secrets/opposition/",
			},
		}},
	}})
	e := NewExpander(ExpansionConfig{BaseURL: baseURL, SubItemSelector: subSel}, newNav(), nil)

	root := filepath.Join("out")
	subs, err := e.Expand(context.Background(), page, item, root)
	require.NoError(t, err)

	itemDir := filepath.Join(root, "endgame-secrets")
	require.Equal(t, []harvest.SubItem{
		{
			SourceURL: "https://example.com/es/learn/video/endgame-secrets/rook-endings",
			Dir:       filepath.Join(itemDir, "1. rook-endings"),
			Ordinal:   1,
		},
		{
			SourceURL: "https://example.com/es/learn/video/endgame-secrets/pawn-races",
			Dir:       filepath.Join(itemDir, "2. pawn-races"),
			Ordinal:   2,
		},
		{
			SourceURL: "https://example.com/es/learn/video/endgame-secrets/opposition/",
			Dir:       filepath.Join(itemDir, "3. opposition"),
			Ordinal:   3,
		},
	}, subs)
	require.Equal(t, []string{item}, page.Visits())
}

func TestExpandEmptyItem(t *testing.T) {
	t.Parallel()

	page := harvesttest.NewPage(&harvesttest.Script{})
	e := NewExpander(ExpansionConfig{BaseURL: baseURL, SubItemSelector: subSel}, newNav(), nil)

	subs, err := e.Expand(context.Background(), page, "https://example.com/es/learn/course/empty", "out")
	require.NoError(t, err)
	require.Empty(t, subs)
}

func TestExpandHonorsCancellationDuringSettle(t *testing.T) {
	t.Parallel()

	page := harvesttest.NewPage(&harvesttest.Script{})
	e := NewExpander(ExpansionConfig{BaseURL: baseURL, SubItemSelector: subSel, SettleDelay: time.Hour}, newNav(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := e.Expand(ctx, page, "https://example.com/es/learn/course/x", "out")
	require.ErrorIs(t, err, context.Canceled)
}
