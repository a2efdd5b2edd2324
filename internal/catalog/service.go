package catalog

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MarcoPoloResearchLab/shopcart/internal/cache"
	"github.com/MarcoPoloResearchLab/shopcart/internal/sanity"
	"github.com/MarcoPoloResearchLab/shopcart/internal/serviceerror"
)

const (
	opHomePage     = "catalog.home_page"
	opListProducts = "catalog.list_products"
	opGetProduct   = "catalog.get_product"

	defaultCacheTTL    = time.Minute
	defaultPageSize    = 24
	maxPageSize        = 100
	homeSectionSize    = 8
	cacheKeyNamespace  = "catalog"
	noPriceBound       = -1
	maxSearchTermRunes = 80

	queryCategories = `*[_type == "category"] | order(title asc){
  _id, title, "slug": slug.current, description, "imageUrl": image.asset->url,
  "productCount": count(*[_type == "product" && references(^._id)])
}`
	queryBrands      = `*[_type == "brand"] | order(title asc){_id, title, "slug": slug.current, "imageUrl": image.asset->url}`
	queryFeatured    = `*[_type == "product" && isFeatured == true] | order(_updatedAt desc)[0...$limit]` + productProjection
	queryNewArrivals = `*[_type == "product"] | order(_createdAt desc)[0...$limit]` + productProjection
	queryDeals       = `*[_type == "product" && coalesce(discount, 0) > 0] | order(discount desc)[0...$limit]` + productProjection
	queryProduct     = `*[_type == "product" && slug.current == $slug][0]` + productProjection

	productFilter = `_type == "product" &&
  ($category == "" || $category in categories[]->slug.current) &&
  ($brand == "" || brand->slug.current == $brand) &&
  ($search == "" || name match $search || description match $search) &&
  ($minPrice < 0 || price >= $minPrice) &&
  ($maxPrice < 0 || price <= $maxPrice)`
	queryProductCount = `count(*[` + productFilter + `])`
)

var productOrderings = map[Sort]string{
	SortNewest:    "_createdAt desc",
	SortPriceAsc:  "price asc",
	SortPriceDesc: "price desc",
	SortName:      "name asc",
}

var (
	errMissingSanity   = errors.New("sanity store is required")
	errProductNotFound = errors.New("product not found")
	errUnknownSort     = errors.New("unknown sort order")
	errInvalidRange    = errors.New("minimum price exceeds maximum price")
)

// productListQuery returns the listing query for sort. Orderings cannot be
// parameterised in GROQ, so each sort has its own query text.
func productListQuery(sort Sort) string {
	return `*[` + productFilter + `] | order(` + productOrderings[sort] + `)[$start...$end]` + productProjection
}

type ServiceConfig struct {
	Sanity   sanity.Store
	Cache    cache.Store
	CacheTTL time.Duration
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Service serves storefront catalog reads and customer reviews.
type Service struct {
	sanity   sanity.Store
	cache    cache.Store
	cacheTTL time.Duration
	logger   *zap.Logger
	clock    func() time.Time
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Sanity == nil {
		return nil, serviceerror.New("catalog.service.new", "missing_sanity", serviceerror.KindInternal, errMissingSanity)
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{sanity: cfg.Sanity, cache: cfg.Cache, cacheTTL: ttl, logger: logger, clock: clock}, nil
}

// HomePage loads the landing page sections concurrently.
func (s *Service) HomePage(ctx context.Context) (HomePage, error) {
	return cache.GetOrLoad(ctx, s.cache, cache.Key(cacheKeyNamespace, "home"), s.cacheTTL, s.loadHomePage)
}

func (s *Service) loadHomePage(ctx context.Context) (HomePage, error) {
	var page HomePage
	limit := map[string]any{"limit": homeSectionSize}
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return s.sanity.Query(groupCtx, queryCategories, nil, &page.Categories) })
	group.Go(func() error { return s.sanity.Query(groupCtx, queryBrands, nil, &page.Brands) })
	group.Go(func() error { return s.sanity.Query(groupCtx, queryFeatured, limit, &page.Featured) })
	group.Go(func() error { return s.sanity.Query(groupCtx, queryNewArrivals, limit, &page.NewArrivals) })
	group.Go(func() error { return s.sanity.Query(groupCtx, queryDeals, limit, &page.Deals) })
	if err := group.Wait(); err != nil {
		serviceerror.Log(s.logger, opHomePage, "query_failed", err)
		return HomePage{}, serviceerror.New(opHomePage, "query_failed", serviceerror.KindUpstream, err)
	}
	if page.Categories == nil {
		page.Categories = []Category{}
	}
	if page.Brands == nil {
		page.Brands = []Brand{}
	}
	page.Featured = nonNilProducts(page.Featured)
	page.NewArrivals = nonNilProducts(page.NewArrivals)
	page.Deals = nonNilProducts(page.Deals)
	return page, nil
}

// ListProducts returns one page of products matching filter.
func (s *Service) ListProducts(ctx context.Context, filter ProductFilter) (ProductPage, error) {
	filter, err := normalizeFilter(filter)
	if err != nil {
		return ProductPage{}, serviceerror.New(opListProducts, "invalid_filter", serviceerror.KindInvalid, err)
	}
	return cache.GetOrLoad(ctx, s.cache, filterCacheKey(filter), s.cacheTTL, func(ctx context.Context) (ProductPage, error) {
		return s.loadProducts(ctx, filter)
	})
}

func (s *Service) loadProducts(ctx context.Context, filter ProductFilter) (ProductPage, error) {
	params := map[string]any{
		"category": filter.Category,
		"brand":    filter.Brand,
		"search":   "",
		"minPrice": priceBound(filter.MinPrice),
		"maxPrice": priceBound(filter.MaxPrice),
	}
	if filter.Search != "" {
		params["search"] = filter.Search + "*"
	}
	listParams := map[string]any{"start": filter.Offset, "end": filter.Offset + filter.Limit}
	for key, value := range params {
		listParams[key] = value
	}

	page := ProductPage{Offset: filter.Offset, Limit: filter.Limit}
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return s.sanity.Query(groupCtx, productListQuery(filter.Sort), listParams, &page.Products)
	})
	group.Go(func() error {
		return s.sanity.Query(groupCtx, queryProductCount, params, &page.Total)
	})
	if err := group.Wait(); err != nil {
		serviceerror.Log(s.logger, opListProducts, "query_failed", err)
		return ProductPage{}, serviceerror.New(opListProducts, "query_failed", serviceerror.KindUpstream, err)
	}
	page.Products = nonNilProducts(page.Products)
	return page, nil
}

// GetProduct loads a single product by slug.
func (s *Service) GetProduct(ctx context.Context, slug string) (Product, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return Product{}, serviceerror.New(opGetProduct, "not_found", serviceerror.KindNotFound, errProductNotFound)
	}
	return cache.GetOrLoad(ctx, s.cache, cache.Key(cacheKeyNamespace, "product", slug), s.cacheTTL, func(ctx context.Context) (Product, error) {
		var product *Product
		if err := s.sanity.Query(ctx, queryProduct, map[string]any{"slug": slug}, &product); err != nil {
			serviceerror.Log(s.logger, opGetProduct, "query_failed", err, zap.String("slug", slug))
			return Product{}, serviceerror.New(opGetProduct, "query_failed", serviceerror.KindUpstream, err)
		}
		if product == nil {
			return Product{}, serviceerror.New(opGetProduct, "not_found", serviceerror.KindNotFound, errProductNotFound)
		}
		return *product, nil
	})
}

// InvalidateCatalog drops every cached catalog read.
func (s *Service) InvalidateCatalog(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.DeletePrefix(ctx, cacheKeyNamespace+":")
}

func normalizeFilter(filter ProductFilter) (ProductFilter, error) {
	filter.Category = strings.TrimSpace(filter.Category)
	filter.Brand = strings.TrimSpace(filter.Brand)
	filter.Search = strings.TrimSpace(filter.Search)
	if runes := []rune(filter.Search); len(runes) > maxSearchTermRunes {
		filter.Search = string(runes[:maxSearchTermRunes])
	}
	if filter.Sort == "" {
		filter.Sort = SortNewest
	}
	if _, ok := productOrderings[filter.Sort]; !ok {
		return ProductFilter{}, errUnknownSort
	}
	if filter.MinPrice.Valid && filter.MaxPrice.Valid && filter.MinPrice.Decimal.GreaterThan(filter.MaxPrice.Decimal) {
		return ProductFilter{}, errInvalidRange
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultPageSize
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return filter, nil
}

func priceBound(value decimal.NullDecimal) float64 {
	if !value.Valid || value.Decimal.IsNegative() {
		return noPriceBound
	}
	return value.Decimal.InexactFloat64()
}

func filterCacheKey(filter ProductFilter) string {
	encoded, _ := json.Marshal(filter)
	sum := sha1.Sum(encoded)
	return cache.Key(cacheKeyNamespace, "products", hex.EncodeToString(sum[:]))
}

func nonNilProducts(products []Product) []Product {
	if products == nil {
		return []Product{}
	}
	return products
}
