// Package sitemap renders the storefront sitemap.xml from Sanity content.
package sitemap

import (
	"context"
	"encoding/xml"
	"errors"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MarcoPoloResearchLab/shopcart/internal/cache"
	"github.com/MarcoPoloResearchLab/shopcart/internal/sanity"
	"github.com/MarcoPoloResearchLab/shopcart/internal/serviceerror"
)

const (
	opBuild = "sitemap.build"

	xmlNamespace = "http://www.sitemaps.org/schemas/sitemap/0.9"
	dateLayout   = "2006-01-02"
	cacheTTL     = 15 * time.Minute

	queryProductSlugs  = `*[_type == "product" && defined(slug.current)] | order(_updatedAt desc){"slug": slug.current, _updatedAt}`
	queryCategorySlugs = `*[_type == "category" && defined(slug.current)] | order(title asc){"slug": slug.current, _updatedAt}`
)

var errMissingBaseURL = errors.New("site base url is required")

// staticRoutes are always listed, with their change frequency and priority.
var staticRoutes = []URL{
	{Loc: "/", ChangeFreq: "daily", Priority: "1.0"},
	{Loc: "/shop", ChangeFreq: "daily", Priority: "0.9"},
	{Loc: "/deal", ChangeFreq: "daily", Priority: "0.8"},
	{Loc: "/blog", ChangeFreq: "weekly", Priority: "0.6"},
	{Loc: "/about", ChangeFreq: "monthly", Priority: "0.5"},
	{Loc: "/contact", ChangeFreq: "monthly", Priority: "0.5"},
	{Loc: "/faqs", ChangeFreq: "monthly", Priority: "0.4"},
	{Loc: "/privacy", ChangeFreq: "yearly", Priority: "0.3"},
	{Loc: "/terms", ChangeFreq: "yearly", Priority: "0.3"},
}

// URL is a single sitemap entry.
type URL struct {
	Loc        string `xml:"loc"`
	LastMod    string `xml:"lastmod,omitempty"`
	ChangeFreq string `xml:"changefreq,omitempty"`
	Priority   string `xml:"priority,omitempty"`
}

// URLSet is the sitemap document root.
type URLSet struct {
	XMLName xml.Name `xml:"urlset"`
	XMLNS   string   `xml:"xmlns,attr"`
	URLs    []URL    `xml:"url"`
}

type slugEntry struct {
	Slug      string `json:"slug"`
	UpdatedAt string `json:"_updatedAt"`
}

// Generator builds the sitemap.
type Generator struct {
	sanity  sanity.Store
	cache   cache.Store
	baseURL string
	logger  *zap.Logger
	clock   func() time.Time
}

func NewGenerator(store sanity.Store, cacheStore cache.Store, baseURL string, logger *zap.Logger) (*Generator, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{sanity: store, cache: cacheStore, baseURL: baseURL, logger: logger, clock: time.Now}, nil
}

// XML returns the encoded sitemap document.
func (g *Generator) XML(ctx context.Context) ([]byte, error) {
	set, err := cache.GetOrLoad(ctx, g.cache, cache.Key("sitemap"), cacheTTL, g.Build)
	if err != nil {
		return nil, err
	}
	encoded, err := xml.MarshalIndent(set, "", "  ")
	if err != nil {
		return nil, serviceerror.New(opBuild, "encode_failed", serviceerror.KindInternal, err)
	}
	return append([]byte(xml.Header), encoded...), nil
}

// Build lists static routes followed by every category and product page.
func (g *Generator) Build(ctx context.Context) (URLSet, error) {
	var products, categories []slugEntry
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return g.sanity.Query(groupCtx, queryProductSlugs, nil, &products) })
	group.Go(func() error { return g.sanity.Query(groupCtx, queryCategorySlugs, nil, &categories) })
	if err := group.Wait(); err != nil {
		serviceerror.Log(g.logger, opBuild, "query_failed", err)
		return URLSet{}, serviceerror.New(opBuild, "query_failed", serviceerror.KindUpstream, err)
	}

	today := g.clock().UTC().Format(dateLayout)
	set := URLSet{XMLNS: xmlNamespace}
	for _, route := range staticRoutes {
		route.Loc = g.baseURL + route.Loc
		route.LastMod = today
		set.URLs = append(set.URLs, route)
	}
	for _, category := range categories {
		set.URLs = append(set.URLs, g.entry("/category/", category, "weekly", "0.7"))
	}
	for _, product := range products {
		set.URLs = append(set.URLs, g.entry("/product/", product, "weekly", "0.8"))
	}
	return set, nil
}

func (g *Generator) entry(prefix string, slug slugEntry, changeFreq, priority string) URL {
	entry := URL{
		Loc:        g.baseURL + prefix + url.PathEscape(slug.Slug),
		ChangeFreq: changeFreq,
		Priority:   priority,
	}
	if updated, err := time.Parse(time.RFC3339, slug.UpdatedAt); err == nil {
		entry.LastMod = updated.UTC().Format(dateLayout)
	}
	return entry
}
