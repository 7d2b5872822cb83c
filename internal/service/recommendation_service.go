package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"creatorwallet/internal/config"

	"github.com/go-redis/redis/v8"
	"github.com/go-resty/resty/v2"
)

// Recommendation 推荐给创作者的悬赏。LastCalculatedAt 只在缓存副本上出现
type Recommendation struct {
	BountyID         int64      `json:"bountyId"`
	Name             string     `json:"name"`
	Score            float64    `json:"score"`
	Reason           string     `json:"reason,omitempty"`
	LastCalculatedAt *time.Time `json:"lastCalculatedAt,omitempty"`
}

// RecommendationGenerator 外部推荐计算服务
type RecommendationGenerator interface {
	Generate(ctx context.Context, userID string) ([]Recommendation, error)
}

// HTTPRecommendationGenerator 调用推荐服务 GET {endpoint}?user_id=xxx
type HTTPRecommendationGenerator struct {
	endpoint string
	client   *resty.Client
}

func NewHTTPRecommendationGenerator(cfg config.RecommendationConfig) *HTTPRecommendationGenerator {
	return &HTTPRecommendationGenerator{
		endpoint: cfg.Endpoint,
		client:   resty.New().SetTimeout(cfg.Timeout),
	}
}

type recommendationResponse struct {
	Recommendations []Recommendation `json:"recommendations"`
}

func (g *HTTPRecommendationGenerator) Generate(ctx context.Context, userID string) ([]Recommendation, error) {
	if g.endpoint == "" {
		return nil, errors.New("未配置推荐服务地址")
	}

	var out recommendationResponse
	res, err := g.client.R().
		SetContext(ctx).
		SetQueryParam("user_id", userID).
		ForceContentType("application/json").
		SetResult(&out).
		Get(g.endpoint)
	if err != nil {
		return nil, fmt.Errorf("请求推荐服务失败: %w", err)
	}
	if res.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("推荐服务返回 %d: %s", res.StatusCode(), strings.TrimSpace(res.String()))
	}
	return out.Recommendations, nil
}

// RecommendationService 推荐结果的 Redis 缓存包装
type RecommendationService struct {
	rdb       *redis.Client
	generator RecommendationGenerator
	ttl       time.Duration
	now       func() time.Time
}

func NewRecommendationService(rdb *redis.Client, generator RecommendationGenerator, cfg *config.Config) *RecommendationService {
	return &RecommendationService{
		rdb:       rdb,
		generator: generator,
		ttl:       cfg.Recommendation.CacheTTL,
		now:       time.Now,
	}
}

func recommendationKey(userID string) string {
	return "recommend:user:" + userID
}

// GetRecommendations 先读缓存；未命中时调用生成服务并回填缓存
func (s *RecommendationService) GetRecommendations(ctx context.Context, userID string) ([]Recommendation, error) {
	raw, err := s.rdb.Get(ctx, recommendationKey(userID)).Bytes()
	switch {
	case err == nil:
		var cached []Recommendation
		if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
			return cached, nil
		}
		slog.Warn("[Recommend] 缓存内容损坏，重新计算", "user_id", userID)
	case !errors.Is(err, redis.Nil):
		// 缓存不可用时直接走生成服务
		slog.Warn("[Recommend] 读取缓存失败", "user_id", userID, "err", err)
	}

	fresh, err := s.generator.Generate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("获取推荐失败: %w", err)
	}
	if fresh == nil {
		fresh = []Recommendation{}
	}

	stamp := s.now().UTC()
	stored := make([]Recommendation, len(fresh))
	for i, r := range fresh {
		r.LastCalculatedAt = &stamp
		stored[i] = r
	}
	if data, err := json.Marshal(stored); err == nil {
		if err := s.rdb.Set(ctx, recommendationKey(userID), data, s.ttl).Err(); err != nil {
			slog.Warn("[Recommend] 写入缓存失败", "user_id", userID, "err", err)
		}
	}
	return fresh, nil
}

// Invalidate 删除用户的推荐缓存
func (s *RecommendationService) Invalidate(ctx context.Context, userID string) error {
	return s.rdb.Del(ctx, recommendationKey(userID)).Err()
}

// IsCached 第一条记录带计算时间即视为缓存结果
func IsCached(recs []Recommendation) bool {
	return len(recs) > 0 && recs[0].LastCalculatedAt != nil
}
