package apns

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/langchou/panwatch/internal/models"
)

// contentState Live Activity 的 content-state，字段需与 App 端保持一致
type contentState struct {
	Status         string  `json:"status"`
	ChargedKwh     float64 `json:"chargedKwh"`
	Percentage     int     `json:"percentage"`
	Message        string  `json:"message"`
	LastUpdateTime float64 `json:"lastUpdateTime"` // 秒级浮点时间戳
}

// apsBody APNs 推送 payload
type apsBody struct {
	Timestamp    int64        `json:"timestamp"`
	Event        string       `json:"event"`
	ContentState contentState `json:"content-state"`
}

type pushPayload struct {
	Aps apsBody `json:"aps"`
}

// Dispatcher APNs 推送分发器。推送是尽力而为的旁路：
// 任何失败只记录日志，绝不回滚或重试已落库的任务状态
type Dispatcher struct {
	httpClient *http.Client
	host       string
	topic      string
	tokens     *TokenSource
	logger     *zap.Logger
}

// NewDispatcher 创建推送分发器。APNs 要求 HTTP/2
func NewDispatcher(host, topic string, tokens *TokenSource, timeout, connectTimeout time.Duration, logger *zap.Logger) (*Dispatcher, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: connectTimeout,
		}).DialContext,
		TLSHandshakeTimeout: connectTimeout,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, err
	}

	return &Dispatcher{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		host:   host,
		topic:  topic,
		tokens: tokens,
		logger: logger,
	}, nil
}

// Send 推送任务状态变更到已注册设备。
// 没有 push token 属于正常情况（用户未开启 Live Activity），直接跳过
func (d *Dispatcher) Send(ctx context.Context, task *models.ChargeTask, status, message string, chargedKwh float64) bool {
	if task.PushToken == "" {
		d.logger.Debug("任务没有push_token，跳过推送", zap.Int64("task_id", task.ID))
		return false
	}

	jwtToken, err := d.tokens.Token(ctx)
	if err != nil {
		d.logger.Error("获取APNs认证令牌失败", zap.Int64("task_id", task.ID), zap.Error(err))
		return false
	}

	now := time.Now()
	payload := pushPayload{
		Aps: apsBody{
			Timestamp: now.Unix(),
			Event:     "update",
			ContentState: contentState{
				Status:         status,
				ChargedKwh:     chargedKwh,
				Percentage:     Percentage(task, chargedKwh),
				Message:        message,
				LastUpdateTime: float64(now.UnixMicro()) / 1e6,
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("编码推送payload失败", zap.Int64("task_id", task.ID), zap.Error(err))
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.host+"/3/device/"+task.PushToken, bytes.NewReader(body))
	if err != nil {
		d.logger.Error("创建推送请求失败", zap.Int64("task_id", task.ID), zap.Error(err))
		return false
	}

	req.Header.Set("Authorization", "Bearer "+jwtToken)
	req.Header.Set("apns-topic", d.topic)
	req.Header.Set("apns-push-type", "liveactivity")
	req.Header.Set("apns-priority", "10")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Error("APNs推送请求失败", zap.Int64("task_id", task.ID), zap.Error(err))
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		d.logger.Error("APNs推送被拒绝",
			zap.Int64("task_id", task.ID),
			zap.Int("status", resp.StatusCode),
			zap.String("response", string(respBody)))
		return false
	}

	d.logger.Info("APNs推送发送成功", zap.Int64("task_id", task.ID), zap.String("status", status))
	return true
}

// Percentage 充电进度百分比：clamp(已充/计划充, 0, 1) * 100
func Percentage(task *models.ChargeTask, chargedKwh float64) int {
	target := task.TargetChargeKwh()
	if target <= 0 {
		return 0
	}
	progress := chargedKwh / target
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	return int(progress * 100)
}
