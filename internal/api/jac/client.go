package jac

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/langchou/panwatch/internal/models"
)

const (
	conditionPath = "/api/jac-energy/jacenergy/vehicleInformation/energy-query-vehicle-new-condition"
	controlPath   = "/api/jac-energy/jacenergy/vehicleControl/energy-remote-vehicle-control"

	userAgent = "panwatch/1.0"

	// chgStatusNotCharging 厂商约定：2 表示未充电，其余值均为充电中
	chgStatusNotCharging = 2
)

// Client 厂商车辆 API 客户端。不做重试：重试策略由任务引擎在状态层面决定
type Client struct {
	httpClient *http.Client
	apiHost    string
	spareHost  string
}

// NewClient 创建厂商 API 客户端
func NewClient(apiHost, spareHost string, timeout, connectTimeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: connectTimeout,
				}).DialContext,
				TLSHandshakeTimeout: connectTimeout,
			},
		},
		apiHost:   apiHost,
		spareHost: spareHost,
	}
}

// host 根据 server 参数选择主/备服务器
func (c *Client) host(server string) string {
	if server == "spare" && c.spareHost != "" {
		return c.spareHost
	}
	return c.apiHost
}

// doPost 执行带凭证的厂商请求。凭证为不透明字符串，原样放入 timaToken 头
func (c *Client) doPost(ctx context.Context, url, token string, payload interface{}) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, newError(ErrKindMalformed, "encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, newError(ErrKindNetwork, "create request", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("timaToken", token)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, newError(ErrKindNetwork, "send request", err)
	}
	return resp, nil
}

// FetchCondition 查询车况并归一化为 VehicleSnapshot。
// 动态结构在此处一次性解析校验，类型不符或缺字段返回 malformed_response，
// 未经归一化的原始数据不会流出本包
func (c *Client) FetchCondition(ctx context.Context, vin, token string) (*models.VehicleSnapshot, error) {
	return c.FetchConditionFrom(ctx, vin, token, "")
}

// FetchConditionFrom 同 FetchCondition，可指定主/备服务器
func (c *Client) FetchConditionFrom(ctx context.Context, vin, token, server string) (*models.VehicleSnapshot, error) {
	resp, err := c.doPost(ctx, c.host(server)+conditionPath, token, conditionRequest{VINs: []string{vin}})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, newError(ErrKindAuth, fmt.Sprintf("vendor rejected credential: status=%d", resp.StatusCode), nil)
	case resp.StatusCode != http.StatusOK:
		return nil, newError(ErrKindVendor, fmt.Sprintf("unexpected status=%d", resp.StatusCode), nil)
	}

	var result conditionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, newError(ErrKindMalformed, "decode response", err)
	}

	if !result.ReturnSuccess {
		msg := result.ReturnErrMsg
		if msg == "" {
			msg = "未知错误"
		}
		return nil, newError(ErrKindVendor, msg, nil)
	}

	return normalize(vin, result.Data)
}

// normalize 车况校验与归一化的唯一入口
func normalize(vin string, data *vehicleCondition) (*models.VehicleSnapshot, error) {
	if data == nil {
		return nil, newError(ErrKindMalformed, "missing data", nil)
	}

	// 必填字段逐项校验
	switch {
	case data.Soc == nil:
		return nil, newError(ErrKindMalformed, "missing field: soc", nil)
	case data.AcOnMile == nil:
		return nil, newError(ErrKindMalformed, "missing field: acOnMile", nil)
	case data.ChgStatus == nil:
		return nil, newError(ErrKindMalformed, "missing field: chgStatus", nil)
	case data.MainLockStatus == nil:
		return nil, newError(ErrKindMalformed, "missing field: mainLockStatus", nil)
	case data.TotalMileage == nil:
		return nil, newError(ErrKindMalformed, "missing field: totalMileage", nil)
	}

	lock := models.LockStatusUnknown
	switch *data.MainLockStatus {
	case 0:
		lock = models.LockStatusUnlocked
	case 1:
		lock = models.LockStatusLocked
	}

	chgLeft := 0
	if data.QuickChgLeftTime != nil {
		chgLeft = *data.QuickChgLeftTime
	}

	return &models.VehicleSnapshot{
		VIN:                    vin,
		Soc:                    int(*data.Soc),
		RemainingRangeKm:       *data.AcOnMile,
		OdometerKm:             *data.TotalMileage,
		LockStatus:             lock,
		IsCharging:             *data.ChgStatus != chgStatusNotCharging,
		ChargeTimeRemainingMin: chgLeft,
		Latitude:               data.Latitude,
		Longitude:              data.Longitude,
		RecordedAt:             time.Now(),
	}, nil
}

// StopCharging 下发远程停充指令。调用方按尽力而为处理：
// 失败只记录日志，不阻塞任务完成
func (c *Client) StopCharging(ctx context.Context, vin, token string) error {
	payload := controlRequest{
		Operation:     1,
		ExtParams:     map[string]int{"bookTime": 0},
		VIN:           vin,
		OperationType: "RESERVATION_RECHARGE",
	}

	resp, err := c.doPost(ctx, c.apiHost+controlPath, token, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return newError(ErrKindVendor, fmt.Sprintf("stop charging: status=%d", resp.StatusCode), nil)
	}

	var result vendorResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return newError(ErrKindMalformed, "stop charging: decode response", err)
	}

	if !result.ReturnSuccess {
		msg := result.ReturnErrMsg
		if msg == "" {
			msg = "停止充电未知错误"
		}
		return newError(ErrKindVendor, msg, nil)
	}

	return nil
}
