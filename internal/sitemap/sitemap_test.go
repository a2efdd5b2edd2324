package sitemap

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/shopcart/internal/sanity/sanitytest"
	"github.com/MarcoPoloResearchLab/shopcart/internal/serviceerror"
)

func newTestGenerator(t *testing.T, store *sanitytest.Store) *Generator {
	t.Helper()
	generator, err := NewGenerator(store, nil, "https://shop.example.com/", nil)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	generator.clock = func() time.Time { return time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC) }
	return generator
}

func TestBuildListsStaticAndContentRoutes(t *testing.T) {
	store := sanitytest.New()
	store.OnQuery(queryProductSlugs, []map[string]any{
		{"slug": "kettle", "_updatedAt": "2025-03-10T08:15:00Z"},
		{"slug": "mug set", "_updatedAt": "garbage"},
	})
	store.OnQuery(queryCategorySlugs, []map[string]any{{"slug": "kitchen", "_updatedAt": "2025-01-05T00:00:00Z"}})

	set, err := newTestGenerator(t, store).Build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(set.URLs) != len(staticRoutes)+3 {
		t.Fatalf("unexpected url count %d", len(set.URLs))
	}
	if set.URLs[0].Loc != "https://shop.example.com/" || set.URLs[0].LastMod != "2025-04-02" {
		t.Fatalf("unexpected home entry %+v", set.URLs[0])
	}
	category := set.URLs[len(staticRoutes)]
	if category.Loc != "https://shop.example.com/category/kitchen" || category.LastMod != "2025-01-05" {
		t.Fatalf("unexpected category entry %+v", category)
	}
	product := set.URLs[len(staticRoutes)+1]
	if product.Loc != "https://shop.example.com/product/kettle" || product.LastMod != "2025-03-10" {
		t.Fatalf("unexpected product entry %+v", product)
	}
	escaped := set.URLs[len(staticRoutes)+2]
	if escaped.Loc != "https://shop.example.com/product/mug%20set" || escaped.LastMod != "" {
		t.Fatalf("unexpected escaped entry %+v", escaped)
	}
}

func TestXMLEncodesDocument(t *testing.T) {
	store := sanitytest.New()
	store.OnQuery(queryProductSlugs, []map[string]any{})
	store.OnQuery(queryCategorySlugs, []map[string]any{})

	document, err := newTestGenerator(t, store).XML(context.Background())
	if err != nil {
		t.Fatalf("xml: %v", err)
	}
	text := string(document)
	if !strings.HasPrefix(text, "<?xml") || !strings.Contains(text, `<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`) {
		t.Fatalf("unexpected document header: %s", text[:120])
	}
	if !strings.Contains(text, "<loc>https://shop.example.com/shop</loc>") {
		t.Fatalf("expected static route in document")
	}
}

func TestBuildReportsUpstreamFailure(t *testing.T) {
	store := sanitytest.New()
	store.FailQuery(queryProductSlugs, errors.New("sanity down"))
	store.OnQuery(queryCategorySlugs, []map[string]any{})

	if _, err := newTestGenerator(t, store).Build(context.Background()); !serviceerror.Is(err, serviceerror.KindUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestNewGeneratorRequiresBaseURL(t *testing.T) {
	if _, err := NewGenerator(sanitytest.New(), nil, " ", nil); !errors.Is(err, errMissingBaseURL) {
		t.Fatalf("expected missing base url, got %v", err)
	}
}
