package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	subscriptiondomain "github.com/smallbiznis/subreconcile/internal/subscription/domain"
	"github.com/smallbiznis/subreconcile/pkg/db/pagination"
)

type createCheckoutRequest struct {
	PriceID  string `json:"price_id"`
	PlanType string `json:"plan_type"`
	Email    string `json:"email"`
}

func (s *Server) CreateCheckout(c *gin.Context) {
	var req createCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.subscriptionSvc.InitiateCheckout(c.Request.Context(), subscriptiondomain.InitiateCheckoutRequest{
		UserID:   userIDFromContext(c),
		PriceID:  strings.TrimSpace(req.PriceID),
		PlanType: strings.TrimSpace(req.PlanType),
		Email:    strings.TrimSpace(req.Email),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListSubscriptions(c *gin.Context) {
	var query pagination.Pagination
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	pageSize, err := normalizePageSize(query.PageSize)
	if err != nil {
		AbortWithError(c, newValidationError("page_size", "invalid_page_size", "invalid page_size"))
		return
	}

	resp, err := s.subscriptionSvc.List(c.Request.Context(), subscriptiondomain.ListRequest{
		UserID:    userIDFromContext(c),
		PageToken: strings.TrimSpace(query.PageToken),
		PageSize:  pageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      resp.Subscriptions,
		"page_info": resp.PageInfo,
	})
}

func (s *Server) GetSubscriptionByID(c *gin.Context) {
	record, err := s.subscriptionSvc.Get(c.Request.Context(), userIDFromContext(c), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": record})
}

func (s *Server) CancelSubscription(c *gin.Context) {
	record, err := s.subscriptionSvc.Cancel(c.Request.Context(), userIDFromContext(c), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": record})
}

func (s *Server) DeleteSubscription(c *gin.Context) {
	if err := s.subscriptionSvc.Delete(c.Request.Context(), userIDFromContext(c), c.Param("id")); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
