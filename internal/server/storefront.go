package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/MarcoPoloResearchLab/shopcart/internal/catalog"
)

func (h *httpHandler) handleHomePage(c *gin.Context) {
	page, err := h.catalog.HomePage(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *httpHandler) handleListProducts(c *gin.Context) {
	var filter catalog.ProductFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		respondInvalidRequest(c, err)
		return
	}
	var err error
	if filter.MinPrice, err = queryDecimal(c, "minPrice"); err != nil {
		respondInvalidRequest(c, err)
		return
	}
	if filter.MaxPrice, err = queryDecimal(c, "maxPrice"); err != nil {
		respondInvalidRequest(c, err)
		return
	}

	page, err := h.catalog.ListProducts(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *httpHandler) handleGetProduct(c *gin.Context) {
	product, err := h.catalog.GetProduct(c.Request.Context(), c.Param("slug"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func (h *httpHandler) handleListReviews(c *gin.Context) {
	reviews, err := h.catalog.ListReviews(c.Request.Context(), c.Param("slug"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, reviews)
}

func (h *httpHandler) handleSubmitReview(c *gin.Context) {
	var input catalog.ReviewInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondInvalidRequest(c, err)
		return
	}
	identity := currentIdentity(c)
	author := catalog.ReviewAuthor{UserID: currentUserID(c), Name: identity.DisplayName}
	review, err := h.catalog.SubmitReview(c.Request.Context(), author, c.Param("slug"), input)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, review)
}

type subscribeRequest struct {
	Email  string `json:"email" binding:"required,email"`
	Source string `json:"source" binding:"omitempty,max=64"`
}

func (h *httpHandler) handleSubscribe(c *gin.Context) {
	var request subscribeRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c, err)
		return
	}
	result, err := h.subscriptions.Subscribe(c.Request.Context(), request.Email, request.Source)
	if err != nil {
		h.respondError(c, err)
		return
	}
	status := http.StatusCreated
	if result.AlreadySubscribed {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

type unsubscribeRequest struct {
	Token string `json:"token" form:"token" binding:"required"`
}

func (h *httpHandler) handleUnsubscribe(c *gin.Context) {
	var request unsubscribeRequest
	if err := c.ShouldBind(&request); err != nil {
		respondInvalidRequest(c, err)
		return
	}
	subscriber, err := h.subscriptions.Unsubscribe(c.Request.Context(), request.Token)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, subscriber)
}

func queryDecimal(c *gin.Context, key string) (decimal.NullDecimal, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return decimal.NullDecimal{}, nil
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(value), nil
}
