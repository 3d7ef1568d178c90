package apns

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// refreshAhead 提前刷新窗口：过期前 5 分钟重新签名
const refreshAhead = 5 * time.Minute

// redisTokenKey 跨调度周期共享令牌的 Redis 键。
// tick 进程无常驻内存，借 Redis 让连续的 cron 调用复用仍然有效的令牌
const redisTokenKey = "panwatch:apns:provider_token"

// providerToken 已签名的 APNs 认证令牌及其过期时间
type providerToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// valid 令牌在提前刷新窗口之外仍然有效
func (t providerToken) valid(now time.Time) bool {
	return t.Token != "" && now.Before(t.ExpiresAt.Add(-refreshAhead))
}

// TokenSource 生成并缓存 APNs JWT（ES256）。
// 缓存是进程内唯一的可变共享状态，由互斥锁保证单写者
type TokenSource struct {
	teamID string
	keyID  string
	key    *ecdsa.PrivateKey
	ttl    time.Duration
	rdb    *redis.Client // 可为 nil
	logger *zap.Logger

	mu     sync.Mutex
	cached providerToken
}

// NewTokenSource 从 .p8 私钥文件创建令牌源
func NewTokenSource(teamID, keyID, keyFile string, ttl time.Duration, rdb *redis.Client, logger *zap.Logger) (*TokenSource, error) {
	raw, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read apns key file: %w", err)
	}

	key, err := parseP8Key(raw)
	if err != nil {
		return nil, fmt.Errorf("parse apns key: %w", err)
	}

	return &TokenSource{
		teamID: teamID,
		keyID:  keyID,
		key:    key,
		ttl:    ttl,
		rdb:    rdb,
		logger: logger,
	}, nil
}

// parseP8Key 解析 PKCS#8 PEM 格式的 ECDSA 私钥
func parseP8Key(raw []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse PKCS#8: %w", err)
	}

	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an ECDSA private key")
	}
	return key, nil
}

// Token 返回当前有效的认证令牌，必要时重新签名。
// 查缓存、签名与回写在同一临界区内完成，并发调用不会得到损坏的缓存值
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if s.cached.valid(now) {
		return s.cached.Token, nil
	}

	// 本进程缓存失效时先查 Redis，上一个调度周期的令牌可能仍然有效
	if tok, ok := s.fromRedis(ctx, now); ok {
		s.cached = tok
		return tok.Token, nil
	}

	tok, err := s.sign(now)
	if err != nil {
		return "", err
	}

	s.cached = tok
	s.toRedis(ctx, tok)
	return tok.Token, nil
}

// sign 签发一枚新令牌
func (s *TokenSource) sign(now time.Time) (providerToken, error) {
	expiresAt := now.Add(s.ttl)

	claims := jwt.MapClaims{
		"iss": s.teamID,
		"iat": now.Unix(),
		"exp": expiresAt.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = s.keyID

	signed, err := token.SignedString(s.key)
	if err != nil {
		return providerToken{}, fmt.Errorf("sign provider token: %w", err)
	}

	return providerToken{Token: signed, ExpiresAt: expiresAt}, nil
}

// fromRedis 尝试从 Redis 读取仍然有效的令牌
func (s *TokenSource) fromRedis(ctx context.Context, now time.Time) (providerToken, bool) {
	if s.rdb == nil {
		return providerToken{}, false
	}

	data, err := s.rdb.Get(ctx, redisTokenKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.logger.Warn("读取APNs令牌缓存失败", zap.Error(err))
		}
		return providerToken{}, false
	}

	var tok providerToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return providerToken{}, false
	}
	if !tok.valid(now) {
		return providerToken{}, false
	}
	return tok, true
}

// toRedis 将新令牌写回 Redis，失败只记录日志
func (s *TokenSource) toRedis(ctx context.Context, tok providerToken) {
	if s.rdb == nil {
		return
	}

	data, err := json.Marshal(tok)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, redisTokenKey, data, s.ttl).Err(); err != nil {
		s.logger.Warn("写入APNs令牌缓存失败", zap.Error(err))
	}
}
