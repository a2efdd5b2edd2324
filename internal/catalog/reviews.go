package catalog

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MarcoPoloResearchLab/shopcart/internal/sanity"
	"github.com/MarcoPoloResearchLab/shopcart/internal/serviceerror"
	"github.com/MarcoPoloResearchLab/shopcart/internal/validation"
)

const (
	opListReviews    = "catalog.list_reviews"
	opSubmitReview   = "catalog.submit_review"
	opModerateReview = "catalog.moderate_review"
	opPendingReviews = "catalog.pending_reviews"

	reviewProjection = `{
  _id, "productId": product._ref, clerkUserId, userName, rating, title, comment, status,
  "verifiedPurchase": coalesce(verifiedPurchase, false), createdAt, moderatedAt
}`
	queryReviewProduct   = `*[_type == "product" && slug.current == $slug][0]{_id, name}`
	queryApprovedReviews = `*[_type == "review" && product._ref == $productId && status == "approved"] | order(createdAt desc)` + reviewProjection
	queryUserReviewCount = `count(*[_type == "review" && product._ref == $productId && clerkUserId == $userId])`
	queryDeliveredCount  = `count(*[_type == "order" && clerkUserId == $userId && status == "delivered" && $productId in products[].product._ref])`
	queryReviewByID      = `*[_type == "review" && _id == $id][0]` + reviewProjection
	queryPendingReviews  = `*[_type == "review" && status == "pending"] | order(createdAt asc)` + reviewProjection
)

var (
	errDuplicateReview = errors.New("you have already reviewed this product")
	errReviewNotFound  = errors.New("review not found")
	errMissingAuthor   = errors.New("review author is required")
)

// ReviewAuthor identifies the signed-in customer submitting a review.
type ReviewAuthor struct {
	UserID string
	Name   string
}

type reviewProduct struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
}

// ListReviews returns approved reviews of the product with a rating summary.
func (s *Service) ListReviews(ctx context.Context, slug string) (ReviewList, error) {
	product, err := s.reviewProduct(ctx, opListReviews, slug)
	if err != nil {
		return ReviewList{}, err
	}
	var reviews []Review
	if err := s.sanity.Query(ctx, queryApprovedReviews, map[string]any{"productId": product.ID}, &reviews); err != nil {
		serviceerror.Log(s.logger, opListReviews, "query_failed", err, zap.String("product_id", product.ID))
		return ReviewList{}, serviceerror.New(opListReviews, "query_failed", serviceerror.KindUpstream, err)
	}
	if reviews == nil {
		reviews = []Review{}
	}
	return ReviewList{Reviews: reviews, Summary: Summarize(reviews)}, nil
}

// Summarize aggregates ratings. The average is rounded to one decimal place.
func Summarize(reviews []Review) ReviewSummary {
	summary := ReviewSummary{Distribution: map[int]int{1: 0, 2: 0, 3: 0, 4: 0, 5: 0}}
	total := 0
	for _, review := range reviews {
		if review.Rating < 1 || review.Rating > 5 {
			continue
		}
		summary.Distribution[review.Rating]++
		summary.Count++
		total += review.Rating
	}
	if summary.Count > 0 {
		summary.Average = math.Round(float64(total)/float64(summary.Count)*10) / 10
	}
	return summary
}

// SubmitReview stores a pending review. Each customer may review a product once.
func (s *Service) SubmitReview(ctx context.Context, author ReviewAuthor, slug string, input ReviewInput) (Review, error) {
	if strings.TrimSpace(author.UserID) == "" {
		return Review{}, serviceerror.New(opSubmitReview, "missing_user", serviceerror.KindUnauthorized, errMissingAuthor)
	}
	input.Title = strings.TrimSpace(input.Title)
	input.Comment = strings.TrimSpace(input.Comment)
	if err := validation.Struct(input); err != nil {
		return Review{}, serviceerror.New(opSubmitReview, "invalid_input", serviceerror.KindInvalid, errors.New(validation.Summary(err)))
	}
	product, err := s.reviewProduct(ctx, opSubmitReview, slug)
	if err != nil {
		return Review{}, err
	}

	var existing, delivered int
	params := map[string]any{"productId": product.ID, "userId": author.UserID}
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return s.sanity.Query(groupCtx, queryUserReviewCount, params, &existing) })
	group.Go(func() error { return s.sanity.Query(groupCtx, queryDeliveredCount, params, &delivered) })
	if err := group.Wait(); err != nil {
		serviceerror.Log(s.logger, opSubmitReview, "query_failed", err, zap.String("product_id", product.ID))
		return Review{}, serviceerror.New(opSubmitReview, "query_failed", serviceerror.KindUpstream, err)
	}
	if existing > 0 {
		return Review{}, serviceerror.New(opSubmitReview, "duplicate_review", serviceerror.KindConflict, errDuplicateReview)
	}

	name := strings.TrimSpace(author.Name)
	if name == "" {
		name = "Anonymous"
	}
	review := Review{
		ID:               sanity.NewDocumentID("review"),
		ProductID:        product.ID,
		ClerkUserID:      author.UserID,
		UserName:         name,
		Rating:           input.Rating,
		Title:            input.Title,
		Comment:          input.Comment,
		Status:           ReviewPending,
		VerifiedPurchase: delivered > 0,
		CreatedAt:        s.clock().UTC().Format(time.RFC3339),
	}
	document := sanity.Document{
		"_id":              review.ID,
		"_type":            "review",
		"product":          sanity.Ref(product.ID),
		"clerkUserId":      review.ClerkUserID,
		"userName":         review.UserName,
		"rating":           review.Rating,
		"title":            review.Title,
		"comment":          review.Comment,
		"status":           string(review.Status),
		"verifiedPurchase": review.VerifiedPurchase,
		"createdAt":        review.CreatedAt,
	}
	if _, err := s.sanity.Mutate(ctx, sanity.Create(document)); err != nil {
		serviceerror.Log(s.logger, opSubmitReview, "mutate_failed", err, zap.String("product_id", product.ID))
		return Review{}, serviceerror.New(opSubmitReview, "mutate_failed", serviceerror.KindUpstream, err)
	}
	s.logger.Info("review submitted",
		zap.String("review_id", review.ID),
		zap.String("product_id", product.ID),
		zap.Int("rating", review.Rating),
	)
	return review, nil
}

// PendingReviews lists reviews awaiting moderation, oldest first.
func (s *Service) PendingReviews(ctx context.Context) ([]Review, error) {
	var reviews []Review
	if err := s.sanity.Query(ctx, queryPendingReviews, nil, &reviews); err != nil {
		serviceerror.Log(s.logger, opPendingReviews, "query_failed", err)
		return nil, serviceerror.New(opPendingReviews, "query_failed", serviceerror.KindUpstream, err)
	}
	if reviews == nil {
		reviews = []Review{}
	}
	return reviews, nil
}

// AdminModerateReview approves or rejects a review.
func (s *Service) AdminModerateReview(ctx context.Context, adminID, reviewID string, approve bool) (Review, error) {
	var review *Review
	if err := s.sanity.Query(ctx, queryReviewByID, map[string]any{"id": reviewID}, &review); err != nil {
		serviceerror.Log(s.logger, opModerateReview, "query_failed", err, zap.String("review_id", reviewID))
		return Review{}, serviceerror.New(opModerateReview, "query_failed", serviceerror.KindUpstream, err)
	}
	if review == nil {
		return Review{}, serviceerror.New(opModerateReview, "not_found", serviceerror.KindNotFound, errReviewNotFound)
	}

	status := ReviewRejected
	if approve {
		status = ReviewApproved
	}
	now := s.clock().UTC().Format(time.RFC3339)
	patch := sanity.NewPatch(review.ID).
		SetField("status", string(status)).
		SetField("moderatedAt", now).
		SetField("moderatedBy", adminID)
	if _, err := s.sanity.Mutate(ctx, patch.Mutation()); err != nil {
		serviceerror.Log(s.logger, opModerateReview, "mutate_failed", err, zap.String("review_id", review.ID))
		return Review{}, serviceerror.New(opModerateReview, "mutate_failed", serviceerror.KindUpstream, err)
	}
	review.Status = status
	review.ModeratedAt = now
	if approve {
		if err := s.InvalidateCatalog(ctx); err != nil {
			s.logger.Warn("catalog cache invalidation failed", zap.String("review_id", review.ID), zap.Error(err))
		}
	}
	s.logger.Info("review moderated",
		zap.String("review_id", review.ID),
		zap.String("status", string(status)),
		zap.String("admin_id", adminID),
	)
	return *review, nil
}

func (s *Service) reviewProduct(ctx context.Context, operation, slug string) (reviewProduct, error) {
	slug = strings.TrimSpace(slug)
	var product *reviewProduct
	if slug != "" {
		if err := s.sanity.Query(ctx, queryReviewProduct, map[string]any{"slug": slug}, &product); err != nil {
			serviceerror.Log(s.logger, operation, "product_query_failed", err, zap.String("slug", slug))
			return reviewProduct{}, serviceerror.New(operation, "product_query_failed", serviceerror.KindUpstream, err)
		}
	}
	if product == nil {
		return reviewProduct{}, serviceerror.New(operation, "product_not_found", serviceerror.KindNotFound, errProductNotFound)
	}
	return *product, nil
}
