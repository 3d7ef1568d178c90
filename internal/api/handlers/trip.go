package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ListTrips 获取已结束行程列表
// GET /api/trips?vin=xxx
func (h *Handler) ListTrips(c *gin.Context) {
	vin := c.Query("vin")
	if vin == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少vin参数"})
		return
	}

	page, perPage, offset := pageParams(c)

	trips, err := h.tripRepo.ListClosed(c.Request.Context(), vin, perPage, offset)
	if err != nil {
		h.logger.Error("查询行程列表失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询行程列表失败"})
		return
	}

	total, _ := h.tripRepo.CountClosed(c.Request.Context(), vin)

	c.JSON(http.StatusOK, gin.H{
		"data": trips,
		"pagination": gin.H{
			"page":     page,
			"per_page": perPage,
			"total":    total,
		},
	})
}
