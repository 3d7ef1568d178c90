package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GetVehicleInfo 获取车况快照
// GET /api/vehicle/info?vin=xxx&server=spare
// 凭证放在 timaToken 请求头透传给厂商。每次查询顺带推进一次行程分段：
// 客户端前台轮询车况时，锁车状态的变化即时转化为行程起止
func (h *Handler) GetVehicleInfo(c *gin.Context) {
	vin := c.Query("vin")
	token := c.GetHeader("timaToken")
	if vin == "" || token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少vin参数或timaToken请求头"})
		return
	}

	ctx := c.Request.Context()

	snap, err := h.telemetry.FetchConditionFrom(ctx, vin, token, c.Query("server"))
	if err != nil {
		h.logger.Error("获取车况失败", zap.String("vin", vin), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "获取车辆数据失败: " + err.Error()})
		return
	}

	// 行程分段尽力而为，失败不影响车况返回
	if h.tripEngine != nil {
		trip, err := h.tripEngine.Process(ctx, vin, snap)
		if err != nil {
			h.logger.Warn("行程分段处理失败", zap.String("vin", vin), zap.Error(err))
		}
		if trip != nil {
			h.wsHub.BroadcastTripUpdate(trip)
		}
	}

	c.JSON(http.StatusOK, gin.H{"data": snap})
}
