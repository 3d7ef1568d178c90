package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/langchou/panwatch/internal/inference"
	"github.com/langchou/panwatch/internal/models"
)

// createChargeRequest 创建充电任务请求
type createChargeRequest struct {
	VIN       string  `json:"vin" binding:"required"`
	Token     string  `json:"token" binding:"required"`
	PushToken string  `json:"push_token"`
	ChargeKwh float64 `json:"charge_kwh"`
}

// CreateCharge 创建充电任务
// POST /api/charge
// 创建时即拉取一次车况：推断当前电量作为起点，目标电量封顶于电池容量。
// 同一VIN同时只允许一个充电中的任务
func (h *Handler) CreateCharge(c *gin.Context) {
	var req createChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少必要参数"})
		return
	}
	if req.ChargeKwh <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "充电电量必须大于0"})
		return
	}

	ctx := c.Request.Context()

	exists, err := h.taskRepo.ExistsPending(ctx, req.VIN)
	if err != nil {
		h.logger.Error("检查进行中任务失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询任务失败"})
		return
	}
	if exists {
		c.JSON(http.StatusConflict, gin.H{"error": "该车辆已有进行中的充电任务"})
		return
	}

	snap, err := h.telemetry.FetchCondition(ctx, req.VIN, req.Token)
	if err != nil {
		h.logger.Error("创建任务时获取车况失败", zap.String("vin", req.VIN), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "获取车辆数据失败: " + err.Error()})
		return
	}

	result, ok := inference.Infer(models.DefaultProfiles(), h.cfg.ProfileToleranceKm, snap.Soc, snap.RemainingRangeKm)
	if !ok {
		h.logger.Error("创建任务时电池档案推断失败",
			zap.String("vin", req.VIN),
			zap.Int("soc", snap.Soc),
			zap.Float64("remaining_range_km", snap.RemainingRangeKm))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "无法推断电池档案：SOC或续航数据无效"})
		return
	}

	// 目标电量封顶于电池容量，充不进去的部分直接截断
	targetKwh := result.CurrentKwh + req.ChargeKwh
	if targetKwh > result.Profile.CapacityKwh {
		targetKwh = result.Profile.CapacityKwh
	}

	status := models.TaskStatusReady
	message := "任务已创建，等待充电开始"
	if snap.IsCharging {
		status = models.TaskStatusPending
		message = "充电已开始，正在监控充电进度..."
	}

	task := &models.ChargeTask{
		VIN:        req.VIN,
		Token:      req.Token,
		PushToken:  req.PushToken,
		InitialKwh: result.CurrentKwh,
		TargetKwh:  targetKwh,
		InitialKm:  snap.RemainingRangeKm,
		TargetKm:   result.Profile.FullRangeKm * (targetKwh / result.Profile.CapacityKwh),
		Status:     status,
		Message:    message,
	}

	if err := h.taskRepo.Create(ctx, task); err != nil {
		h.logger.Error("创建充电任务失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建任务失败"})
		return
	}

	h.logger.Info("充电任务已创建",
		zap.Int64("task_id", task.ID),
		zap.String("vin", task.VIN),
		zap.String("model", result.Profile.Model),
		zap.Float64("initial_kwh", task.InitialKwh),
		zap.Float64("target_kwh", task.TargetKwh))

	h.wsHub.BroadcastTaskUpdate(task)
	c.JSON(http.StatusOK, gin.H{"data": task})
}

// cancelChargeRequest 取消充电任务请求
type cancelChargeRequest struct {
	VIN string `json:"vin" binding:"required"`
}

// CancelCharge 取消充电任务
// POST /api/charge/cancel
func (h *Handler) CancelCharge(c *gin.Context) {
	var req cancelChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少必要参数"})
		return
	}

	id, err := h.taskRepo.CancelActive(c.Request.Context(), req.VIN, "任务已取消：用户主动取消")
	if err != nil {
		h.logger.Error("取消充电任务失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "取消任务失败"})
		return
	}
	if id == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "没有进行中的充电任务"})
		return
	}

	h.logger.Info("充电任务已取消", zap.Int64("task_id", id), zap.String("vin", req.VIN))
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"task_id": id, "status": models.TaskStatusCancelled}})
}

// GetChargeStatus 获取该VIN最近一条任务
// GET /api/charge/status?vin=xxx
func (h *Handler) GetChargeStatus(c *gin.Context) {
	vin := c.Query("vin")
	if vin == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少vin参数"})
		return
	}

	task, err := h.taskRepo.GetLatestByVIN(c.Request.Context(), vin)
	if err != nil {
		h.logger.Error("查询充电任务失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询任务失败"})
		return
	}
	if task == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "没有充电任务记录"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": task})
}

// ListCharges 获取历史充电任务列表
// GET /api/charge/list?vin=xxx
func (h *Handler) ListCharges(c *gin.Context) {
	vin := c.Query("vin")
	if vin == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少vin参数"})
		return
	}

	page, perPage, offset := pageParams(c)

	tasks, err := h.taskRepo.ListFinished(c.Request.Context(), vin, perPage, offset)
	if err != nil {
		h.logger.Error("查询历史任务失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询任务列表失败"})
		return
	}

	total, _ := h.taskRepo.CountFinished(c.Request.Context(), vin)

	c.JSON(http.StatusOK, gin.H{
		"data": tasks,
		"pagination": gin.H{
			"page":     page,
			"per_page": perPage,
			"total":    total,
		},
	})
}

// updateTokenRequest 刷新凭证请求
type updateTokenRequest struct {
	VIN       string `json:"vin" binding:"required"`
	Token     string `json:"token" binding:"required"`
	PushToken string `json:"push_token"`
}

// UpdateChargeToken 刷新活跃任务的厂商凭证与推送令牌
// POST /api/charge/token
// 厂商凭证有效期短，客户端在前台时定期刷新，避免任务中途凭证过期
func (h *Handler) UpdateChargeToken(c *gin.Context) {
	var req updateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少必要参数"})
		return
	}

	ctx := c.Request.Context()

	task, err := h.taskRepo.GetActiveByVIN(ctx, req.VIN)
	if err != nil {
		h.logger.Error("查询活跃任务失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询任务失败"})
		return
	}
	if task == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "没有进行中的充电任务"})
		return
	}

	if err := h.taskRepo.UpdateTokens(ctx, task.ID, req.Token, req.PushToken); err != nil {
		h.logger.Error("刷新凭证失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "刷新凭证失败"})
		return
	}

	h.logger.Info("任务凭证已刷新", zap.Int64("task_id", task.ID), zap.String("vin", req.VIN))
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"task_id": task.ID}})
}
