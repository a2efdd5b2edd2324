package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/MarcoPoloResearchLab/shopcart/internal/addresses"
)

func (h *httpHandler) handleUserData(c *gin.Context) {
	data, err := h.users.UserData(c.Request.Context(), currentUserID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, data)
}

type accountRequestPayload struct {
	AccountType string `json:"accountType" binding:"required,oneof=business premium"`
}

func (h *httpHandler) handleAccountRequest(c *gin.Context) {
	var request accountRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c, err)
		return
	}
	decision, err := h.admin.RequestApproval(c.Request.Context(), currentUserID(c), request.AccountType)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, decision)
}

func (h *httpHandler) handleListAddresses(c *gin.Context) {
	list, err := h.addresses.List(c.Request.Context(), currentUserID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"addresses": list})
}

func (h *httpHandler) handleCreateAddress(c *gin.Context) {
	var input addresses.Input
	if err := c.ShouldBindJSON(&input); err != nil {
		respondInvalidRequest(c, err)
		return
	}
	address, err := h.addresses.Create(c.Request.Context(), currentUserID(c), input)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, address)
}

func (h *httpHandler) handleUpdateAddress(c *gin.Context) {
	var input addresses.Input
	if err := c.ShouldBindJSON(&input); err != nil {
		respondInvalidRequest(c, err)
		return
	}
	address, err := h.addresses.Update(c.Request.Context(), currentUserID(c), c.Param("id"), input)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, address)
}

func (h *httpHandler) handleDeleteAddress(c *gin.Context) {
	if err := h.addresses.Delete(c.Request.Context(), currentUserID(c), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleSetDefaultAddress(c *gin.Context) {
	if err := h.addresses.SetDefault(c.Request.Context(), currentUserID(c), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
