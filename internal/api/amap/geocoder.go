package amap

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

// GeocoderClient 高德逆地理编码客户端。行程记录的起止位置通过它解析，
// 失败时调用方容忍留空，不影响行程落库
type GeocoderClient struct {
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger

	// 缓存：避免重复请求相同坐标
	cache   map[string]string
	cacheMu sync.RWMutex
}

// regeoResponse 高德逆地理编码响应
type regeoResponse struct {
	Status    string `json:"status"` // "1" 成功, "0" 失败
	Info      string `json:"info"`
	InfoCode  string `json:"infocode"`
	Regeocode *struct {
		FormattedAddress string `json:"formatted_address"`
	} `json:"regeocode"`
}

// NewGeocoderClient 创建高德逆地理编码客户端
func NewGeocoderClient(apiKey string, logger *zap.Logger) *GeocoderClient {
	return &GeocoderClient{
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
		cache:  make(map[string]string),
	}
}

// IsConfigured 检查是否已配置 API Key
func (c *GeocoderClient) IsConfigured() bool {
	return c.apiKey != ""
}

// ReverseGeocode 逆地理编码：根据经纬度字符串获取格式化地址。
// 参数为厂商遥测原样返回的经纬度字符串
func (c *GeocoderClient) ReverseGeocode(ctx context.Context, lat, lng string) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("amap api key not configured")
	}
	if lat == "" || lng == "" {
		return "", fmt.Errorf("empty coordinates")
	}

	// 高德 API 要求经度在前，纬度在后
	location := lng + "," + lat

	// 检查缓存
	c.cacheMu.RLock()
	if addr, ok := c.cache[location]; ok {
		c.cacheMu.RUnlock()
		return addr, nil
	}
	c.cacheMu.RUnlock()

	apiURL := fmt.Sprintf(
		"https://restapi.amap.com/v3/geocode/regeo?key=%s&location=%s&radius=1000&extensions=base&output=JSON",
		url.QueryEscape(c.apiKey),
		url.QueryEscape(location),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("amap api returned status %d", resp.StatusCode)
	}

	var result regeoResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	if result.Status != "1" || result.Regeocode == nil {
		c.logger.Warn("Amap geocode failed",
			zap.String("info", result.Info),
			zap.String("infocode", result.InfoCode),
			zap.String("location", location))
		return "", fmt.Errorf("amap api error: %s (code: %s)", result.Info, result.InfoCode)
	}

	address := result.Regeocode.FormattedAddress

	// 存入缓存
	c.cacheMu.Lock()
	c.cache[location] = address
	// 限制缓存大小（简单策略：超过 10000 条清空）
	if len(c.cache) > 10000 {
		c.cache = make(map[string]string)
		c.cache[location] = address
	}
	c.cacheMu.Unlock()

	return address, nil
}
