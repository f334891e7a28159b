package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Blackbird-3/HireFlow/internal/config"
	"github.com/Blackbird-3/HireFlow/internal/constants"
	"github.com/Blackbird-3/HireFlow/internal/types"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// ErrCacheMiss 缓存未命中，包装redis.Nil便于上层判断
var ErrCacheMiss = redis.Nil

var redisTracer = otel.Tracer("hireflow/storage/redis")

// Redis 封装go-redis客户端
type Redis struct {
	Client *redis.Client
	config *config.RedisConfig
}

// NewRedis 创建Redis连接并注册OpenTelemetry钩子
func NewRedis(cfg *config.RedisConfig) (*Redis, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis配置不能为空")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis地址不能为空")
	}

	opt := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,

		DialTimeout:  time.Duration(cfg.DialTimeoutSeconds) * time.Second,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSeconds) * time.Second,
	}

	client := redis.NewClient(opt)

	if err := redisotel.InstrumentTracing(client); err != nil {
		return nil, fmt.Errorf("注册Redis追踪钩子失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("连接Redis(%s)失败: %w", cfg.Address, err)
	}

	return &Redis{Client: client, config: cfg}, nil
}

// Close 关闭Redis连接
func (r *Redis) Close() error {
	if r.Client != nil {
		return r.Client.Close()
	}
	return nil
}

// Ping 检查Redis连接
func (r *Redis) Ping(ctx context.Context) error {
	if r.Client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}
	return r.Client.Ping(ctx).Err()
}

// GetMD5ExpireDuration 返回MD5去重记录的保留时长
func (r *Redis) GetMD5ExpireDuration() time.Duration {
	days := r.config.MD5RecordExpireDays
	if days <= 0 {
		return constants.MD5RecordExpireDefault
	}
	return time.Duration(days) * 24 * time.Hour
}

// CheckAndSetFileMD5 原子地检查并登记文件MD5。
// 返回exists=true时existingCandidateID为首次上传该文件的候选人ID。
func (r *Redis) CheckAndSetFileMD5(ctx context.Context, md5Hex string, candidateID string) (exists bool, existingCandidateID string, err error) {
	ctx, span := redisTracer.Start(ctx, "Redis.CheckAndSetFileMD5",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		semconv.DBSystemRedis,
		attribute.String("net.peer.name", r.config.Address),
		attribute.String("db.operation", "EVAL"),
		attribute.String("db.redis.key", constants.KeyFileMD5Set),
	)

	if r.Client == nil {
		err = fmt.Errorf("redis客户端未初始化")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, "", err
	}

	mapKey := fmt.Sprintf(constants.KeyFileMD5ToCandidate, md5Hex)

	// Lua脚本保证SISMEMBER+SADD+映射写入的原子性
	script := `
		local exists = redis.call('SISMEMBER', KEYS[1], ARGV[1])
		if exists == 1 then
			return redis.call('GET', KEYS[2])
		end
		redis.call('SADD', KEYS[1], ARGV[1])
		redis.call('EXPIRE', KEYS[1], ARGV[3])
		redis.call('SET', KEYS[2], ARGV[2], 'EX', ARGV[3])
		return false
	`

	expiry := int64(r.GetMD5ExpireDuration().Seconds())
	res, err := r.Client.Eval(ctx, script, []string{constants.KeyFileMD5Set, mapKey}, md5Hex, candidateID, expiry).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, "", fmt.Errorf("执行MD5去重脚本失败: %w", err)
	}

	switch v := res.(type) {
	case nil:
		// 脚本返回false，首次登记
		exists = false
	case string:
		exists = true
		existingCandidateID = v
	default:
		err = fmt.Errorf("意外的Redis返回类型: %T", res)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, "", err
	}

	span.SetAttributes(attribute.Bool("already_exists", exists))
	span.SetStatus(codes.Ok, "")
	return exists, existingCandidateID, nil
}

// RemoveFileMD5 撤销一条MD5登记（上传流程失败回滚用）
func (r *Redis) RemoveFileMD5(ctx context.Context, md5Hex string) error {
	if r.Client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}
	pipe := r.Client.Pipeline()
	pipe.SRem(ctx, constants.KeyFileMD5Set, md5Hex)
	pipe.Del(ctx, fmt.Sprintf(constants.KeyFileMD5ToCandidate, md5Hex))
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("移除MD5登记失败: %w", err)
	}
	return nil
}

// SetJobVector 缓存JD查询向量和模型版本 (HASH)
func (r *Redis) SetJobVector(ctx context.Context, jobID string, vector []float64, modelVersion string) error {
	if r.Client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}

	cacheKey := fmt.Sprintf(constants.KeyJobDescriptionVector, jobID)

	vectorJSON, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("序列化向量失败: %w", err)
	}

	pipe := r.Client.Pipeline()
	pipe.HSet(ctx, cacheKey, "vector", vectorJSON)
	pipe.HSet(ctx, cacheKey, "model_version", modelVersion)
	pipe.Expire(ctx, cacheKey, 24*time.Hour)
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("写入JD向量缓存失败: %w", err)
	}
	return nil
}

// GetJobVector 读取缓存的JD向量，未命中返回包装的ErrCacheMiss
func (r *Redis) GetJobVector(ctx context.Context, jobID string) ([]float64, string, error) {
	if r.Client == nil {
		return nil, "", fmt.Errorf("redis客户端未初始化")
	}

	cacheKey := fmt.Sprintf(constants.KeyJobDescriptionVector, jobID)

	vals, err := r.Client.HMGet(ctx, cacheKey, "vector", "model_version").Result()
	if err != nil {
		return nil, "", err
	}
	if len(vals) < 2 || vals[0] == nil {
		return nil, "", fmt.Errorf("JD向量缓存未命中，jobID=%s: %w", jobID, ErrCacheMiss)
	}

	vectorJSON, ok := vals[0].(string)
	if !ok || vectorJSON == "" {
		return nil, "", fmt.Errorf("JD向量缓存格式错误")
	}
	var vector []float64
	if err := json.Unmarshal([]byte(vectorJSON), &vector); err != nil {
		return nil, "", fmt.Errorf("反序列化JD向量失败: %w", err)
	}

	modelVersion, _ := vals[1].(string)
	return vector, modelVersion, nil
}

// CacheMatchResults 将排序后的匹配结果缓存为ZSET，score为匹配分数
func (r *Redis) CacheMatchResults(ctx context.Context, jobID string, results []types.RankedCandidate, ttl time.Duration) error {
	if r.Client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}
	if len(results) == 0 {
		return nil
	}

	key := fmt.Sprintf(constants.KeyMatchSession, jobID)

	pipe := r.Client.Pipeline()
	pipe.Del(ctx, key)

	members := make([]redis.Z, len(results))
	for i, res := range results {
		members[i] = redis.Z{
			Score:  res.Score,
			Member: res.CandidateID,
		}
	}
	pipe.ZAdd(ctx, key, members...)
	pipe.Expire(ctx, key, ttl)

	_, err := pipe.Exec(ctx)
	return err
}

// GetCachedMatchResults 分页读取缓存的匹配结果，按分数从高到低
func (r *Redis) GetCachedMatchResults(ctx context.Context, jobID string, offset, limit int64) (candidateIDs []string, totalCount int64, err error) {
	ctx, span := redisTracer.Start(ctx, "Redis.GetCachedMatchResults", trace.WithAttributes(
		semconv.DBSystemRedis,
		attribute.String("job_id", jobID),
		attribute.Int64("redis.offset", offset),
		attribute.Int64("redis.limit", limit),
	))
	defer span.End()

	key := fmt.Sprintf(constants.KeyMatchSession, jobID)

	// limit<=0表示取offset之后的全部成员
	stop := offset + limit - 1
	if limit <= 0 {
		stop = -1
	}

	pipe := r.Client.Pipeline()
	countCmd := pipe.ZCard(ctx, key)
	rangeCmd := pipe.ZRevRange(ctx, key, offset, stop)
	_, err = pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		span.RecordError(err)
		return nil, 0, err
	}

	candidateIDs, err = rangeCmd.Result()
	if err != nil {
		span.RecordError(err)
		return nil, 0, fmt.Errorf("读取匹配结果缓存失败: %w", err)
	}

	totalCount, err = countCmd.Result()
	if err != nil {
		return candidateIDs, 0, err
	}

	span.SetAttributes(attribute.Int("result_count", len(candidateIDs)))
	return candidateIDs, totalCount, nil
}

// AcquireLock 尝试获取分布式锁，成功返回锁持有者标识，失败返回空串
func (r *Redis) AcquireLock(ctx context.Context, lockKey string, expiration time.Duration) (string, error) {
	if r.Client == nil {
		return "", fmt.Errorf("redis客户端未初始化")
	}
	lockValue := fmt.Sprintf("%d", time.Now().UnixNano())
	ok, err := r.Client.SetNX(ctx, lockKey, lockValue, expiration).Result()
	if err != nil {
		return "", err
	}
	if ok {
		return lockValue, nil
	}
	return "", nil
}

// ReleaseLock 释放分布式锁，Lua脚本保证只有持有者能释放
func (r *Redis) ReleaseLock(ctx context.Context, lockKey string, lockValue string) (bool, error) {
	if r.Client == nil {
		return false, fmt.Errorf("redis客户端未初始化")
	}
	script := `
        if redis.call("get", KEYS[1]) == ARGV[1] then
            return redis.call("del", KEYS[1])
        else
            return 0
        end
    `
	res, err := r.Client.Eval(ctx, script, []string{lockKey}, lockValue).Result()
	if err != nil {
		return false, err
	}
	if released, ok := res.(int64); ok && released == 1 {
		return true, nil
	}
	return false, nil
}
