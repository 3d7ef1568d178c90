package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/langchou/panwatch/internal/api/jac"
	"github.com/langchou/panwatch/internal/config"
	"github.com/langchou/panwatch/internal/engine"
	"github.com/langchou/panwatch/internal/repository"
	"github.com/langchou/panwatch/pkg/ws"
)

// Handler HTTP 处理器
type Handler struct {
	cfg        *config.Config
	logger     *zap.Logger
	taskRepo   *repository.TaskRepository
	tripRepo   *repository.TripRepository
	telemetry  *jac.Client
	tripEngine *engine.TripEngine
	wsHub      *ws.Hub
	upgrader   websocket.Upgrader
}

// NewHandler 创建处理器
func NewHandler(
	cfg *config.Config,
	logger *zap.Logger,
	taskRepo *repository.TaskRepository,
	tripRepo *repository.TripRepository,
	telemetry *jac.Client,
	tripEngine *engine.TripEngine,
	wsHub *ws.Hub,
) *Handler {
	return &Handler{
		cfg:        cfg,
		logger:     logger,
		taskRepo:   taskRepo,
		tripRepo:   tripRepo,
		telemetry:  telemetry,
		tripEngine: tripEngine,
		wsHub:      wsHub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 开发环境允许所有来源
			},
		},
	}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// API 路由
	api := r.Group("/api")
	{
		// 充电任务
		api.POST("/charge", h.CreateCharge)
		api.POST("/charge/cancel", h.CancelCharge)
		api.GET("/charge/status", h.GetChargeStatus)
		api.GET("/charge/list", h.ListCharges)
		api.POST("/charge/token", h.UpdateChargeToken)

		// 行程
		api.GET("/trips", h.ListTrips)

		// 车辆
		api.GET("/vehicle/info", h.GetVehicleInfo)
	}

	// WebSocket
	r.GET("/ws", h.HandleWebSocket)

	// 健康检查
	r.GET("/health", h.HealthCheck)
}

// HandleWebSocket WebSocket 处理
func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := ws.NewClient(h.wsHub, conn)
	client.Register()

	// 启动读写协程
	go client.ReadPump()
	go client.WritePump()
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"ws_clients": h.wsHub.ClientCount(),
	})
}

// pageParams 解析分页参数
func pageParams(c *gin.Context) (page, perPage, offset int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ = strconv.Atoi(c.DefaultQuery("per_page", "20"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}
	return page, perPage, (page - 1) * perPage
}
