package catalog

import "github.com/shopspring/decimal"

const productProjection = `{
  _id, _updatedAt, name, "slug": slug.current, description, price,
  "discount": coalesce(discount, 0), stock, status, variant,
  "featured": coalesce(isFeatured, false),
  "images": images[].asset->url,
  "categories": categories[]->{_id, title, "slug": slug.current},
  "brand": brand->{_id, title, "slug": slug.current, "imageUrl": image.asset->url}
}`

// Category groups products on the storefront.
type Category struct {
	ID           string `json:"_id"`
	Title        string `json:"title"`
	Slug         string `json:"slug"`
	Description  string `json:"description,omitempty"`
	ImageURL     string `json:"imageUrl,omitempty"`
	ProductCount int    `json:"productCount,omitempty"`
}

// Brand is a product manufacturer.
type Brand struct {
	ID       string `json:"_id"`
	Title    string `json:"title"`
	Slug     string `json:"slug"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// Product is a sellable catalog entry.
type Product struct {
	ID          string          `json:"_id"`
	UpdatedAt   string          `json:"_updatedAt,omitempty"`
	Name        string          `json:"name"`
	Slug        string          `json:"slug"`
	Description string          `json:"description,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Discount    decimal.Decimal `json:"discount"`
	Stock       *int            `json:"stock,omitempty"`
	Status      string          `json:"status,omitempty"`
	Variant     string          `json:"variant,omitempty"`
	Featured    bool            `json:"featured"`
	Images      []string        `json:"images,omitempty"`
	Categories  []Category      `json:"categories,omitempty"`
	Brand       *Brand          `json:"brand,omitempty"`
}

// SalePrice applies the percentage discount, rounded to cents.
func (p Product) SalePrice() decimal.Decimal {
	if !p.Discount.IsPositive() {
		return p.Price
	}
	hundred := decimal.NewFromInt(100)
	return p.Price.Mul(hundred.Sub(p.Discount)).Div(hundred).Round(2)
}

// InStock reports whether the product can be ordered. Products without a
// tracked stock level are always available.
func (p Product) InStock() bool {
	return p.Stock == nil || *p.Stock > 0
}

// HomePage bundles the storefront landing page sections.
type HomePage struct {
	Categories  []Category `json:"categories"`
	Brands      []Brand    `json:"brands"`
	Featured    []Product  `json:"featured"`
	NewArrivals []Product  `json:"newArrivals"`
	Deals       []Product  `json:"deals"`
}

// Sort orders product listings.
type Sort string

const (
	SortNewest    Sort = "newest"
	SortPriceAsc  Sort = "price_asc"
	SortPriceDesc Sort = "price_desc"
	SortName      Sort = "name"
)

// ProductFilter narrows product listings. Zero values mean no constraint.
type ProductFilter struct {
	Category string              `form:"category" json:"category"`
	Brand    string              `form:"brand" json:"brand"`
	Search   string              `form:"q" json:"q"`
	MinPrice decimal.NullDecimal `form:"-" json:"minPrice"`
	MaxPrice decimal.NullDecimal `form:"-" json:"maxPrice"`
	Sort     Sort                `form:"sort" json:"sort"`
	Offset   int                 `form:"offset" json:"offset"`
	Limit    int                 `form:"limit" json:"limit"`
}

// ProductPage is one page of a product listing.
type ProductPage struct {
	Products []Product `json:"products"`
	Total    int       `json:"total"`
	Offset   int       `json:"offset"`
	Limit    int       `json:"limit"`
}

// ReviewStatus tracks moderation.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// Review is a customer product review.
type Review struct {
	ID               string       `json:"_id"`
	ProductID        string       `json:"productId"`
	ClerkUserID      string       `json:"clerkUserId"`
	UserName         string       `json:"userName"`
	Rating           int          `json:"rating"`
	Title            string       `json:"title,omitempty"`
	Comment          string       `json:"comment"`
	Status           ReviewStatus `json:"status"`
	VerifiedPurchase bool         `json:"verifiedPurchase"`
	CreatedAt        string       `json:"createdAt"`
	ModeratedAt      string       `json:"moderatedAt,omitempty"`
}

// ReviewSummary aggregates approved ratings.
type ReviewSummary struct {
	Count        int         `json:"count"`
	Average      float64     `json:"average"`
	Distribution map[int]int `json:"distribution"`
}

// ReviewList is the public review listing of a product.
type ReviewList struct {
	Reviews []Review      `json:"reviews"`
	Summary ReviewSummary `json:"summary"`
}

// ReviewInput is submitted by a signed-in customer.
type ReviewInput struct {
	Rating  int    `json:"rating" validate:"required,min=1,max=5"`
	Title   string `json:"title" validate:"omitempty,max=120"`
	Comment string `json:"comment" validate:"required,min=3,max=2000"`
}
