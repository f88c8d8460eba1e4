package weather

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mistervb/meli-climate-notifications/internal/domain"
	"github.com/mistervb/meli-climate-notifications/internal/metrics"
)

const (
	forecastKeyPrefix = "weather:previsao:"
	cityKeyPrefix     = "weather:cidade:"
)

// Source is the origin the cache falls back to.
type Source interface {
	Forecast(ctx context.Context, cityID string) (domain.Forecast, error)
	CitySearch(ctx context.Context, name, uf string) (domain.City, error)
}

// Cache decorates a Source with redis-backed caching. Cache failures are
// best-effort: a broken cache degrades to origin fetches, never to errors.
type Cache struct {
	next        Source
	rdb         *redis.Client
	forecastTTL time.Duration
	cityTTL     time.Duration
	log         *zap.Logger
	metrics     metrics.Sink // optional, nil = disabled
}

func NewCache(next Source, rdb *redis.Client, forecastTTL, cityTTL time.Duration, log *zap.Logger) *Cache {
	return &Cache{
		next:        next,
		rdb:         rdb,
		forecastTTL: forecastTTL,
		cityTTL:     cityTTL,
		log:         log,
	}
}

// WithMetrics attaches a metrics sink to the cache.
func (c *Cache) WithMetrics(sink metrics.Sink) *Cache {
	c.metrics = sink
	return c
}

func (c *Cache) Forecast(ctx context.Context, cityID string) (domain.Forecast, error) {
	key := forecastKeyPrefix + cityID

	var cached domain.Forecast
	if c.lookup(ctx, key, &cached) {
		if c.metrics != nil {
			c.metrics.ForecastCache(true)
		}
		return cached, nil
	}
	if c.metrics != nil {
		c.metrics.ForecastCache(false)
	}

	forecast, err := c.next.Forecast(ctx, cityID)
	if err != nil {
		return domain.Forecast{}, err
	}
	c.store(ctx, key, forecast, c.forecastTTL)
	return forecast, nil
}

func (c *Cache) CitySearch(ctx context.Context, name, uf string) (domain.City, error) {
	key := cityKeyPrefix + normalizeCityName(name) + ":" + strings.ToUpper(strings.TrimSpace(uf))

	var cached domain.City
	if c.lookup(ctx, key, &cached) {
		return cached, nil
	}

	city, err := c.next.CitySearch(ctx, name, uf)
	if err != nil {
		return domain.City{}, err
	}
	c.store(ctx, key, city, c.cityTTL)
	return city, nil
}

func (c *Cache) lookup(ctx context.Context, key string, out interface{}) bool {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		c.log.Debug("weather cache: lookup failed", zap.String("key", key), zap.Error(err))
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.log.Debug("weather cache: stale entry", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (c *Cache) store(ctx context.Context, key string, val interface{}, ttl time.Duration) {
	raw, err := json.Marshal(val)
	if err != nil {
		c.log.Debug("weather cache: marshal failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		c.log.Debug("weather cache: store failed", zap.String("key", key), zap.Error(err))
	}
}
