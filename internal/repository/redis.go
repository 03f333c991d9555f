package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/pollitago/pollitago/config"
	"github.com/pollitago/pollitago/internal/model"
)

const (
	// Redis键前缀
	PollCacheKey  = "poll:cache:"
	PollTallyKey  = "poll:tally:"
	UserPointsKey = "user:points:"

	// 缓存有效期
	pollCacheTTL  = time.Hour
	tallyCacheTTL = time.Hour
	pointsTTL     = time.Hour

	// Lua脚本: 仅在计票缓存存在时增加计票，缓存未命中由读路径重建
	IncrementTallyScript = `
		-- 检查计票缓存是否存在
		if redis.call('EXISTS', KEYS[1]) == 0 then
			return {-1, "计票缓存不存在"}
		end

		-- 原子增加选项计票
		local count = redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
		return {0, count}
	`
)

type RedisRepository struct {
	client       *redis.Client
	ctx          context.Context
	scriptHashes map[string]string // 存储脚本SHA1哈希值
}

func NewRedisRepository(cfg *config.Config) (*RedisRepository, error) {
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.DataAddress,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.Timeout,
		ReadTimeout:  cfg.Redis.Timeout,
		WriteTimeout: cfg.Redis.Timeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Redis数据节点连接测试失败: %w", err)
	}

	repo := &RedisRepository{
		client:       client,
		ctx:          ctx,
		scriptHashes: make(map[string]string),
	}

	if err := repo.preloadScripts(); err != nil {
		return nil, fmt.Errorf("预加载Lua脚本失败: %w", err)
	}

	return repo, nil
}

// preloadScripts 预加载所有Lua脚本
func (r *RedisRepository) preloadScripts() error {
	sha1, err := r.client.ScriptLoad(r.ctx, IncrementTallyScript).Result()
	if err != nil {
		return fmt.Errorf("加载计票脚本失败: %w", err)
	}
	r.scriptHashes["incrementTally"] = sha1

	return nil
}

// GetPollCache 从缓存获取投票
func (r *RedisRepository) GetPollCache(pollID string) (*model.Poll, bool, error) {
	key := PollCacheKey + pollID
	data, err := r.client.Get(r.ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil // 缓存未命中
		}
		return nil, false, fmt.Errorf("获取投票缓存失败: %w", err)
	}

	var poll model.Poll
	if err := json.Unmarshal([]byte(data), &poll); err != nil {
		return nil, false, fmt.Errorf("解析投票缓存失败: %w", err)
	}

	return &poll, true, nil
}

// SetPollCache 设置投票缓存
func (r *RedisRepository) SetPollCache(poll *model.Poll) error {
	key := PollCacheKey + poll.ID
	data, err := json.Marshal(poll)
	if err != nil {
		return fmt.Errorf("序列化投票失败: %w", err)
	}

	if err := r.client.Set(r.ctx, key, data, pollCacheTTL).Err(); err != nil {
		return fmt.Errorf("设置投票缓存失败: %w", err)
	}

	return nil
}

// DeletePollCache 删除投票缓存及计票缓存
func (r *RedisRepository) DeletePollCache(pollID string) error {
	if err := r.client.Del(r.ctx, PollCacheKey+pollID, PollTallyKey+pollID).Err(); err != nil {
		return fmt.Errorf("删除投票缓存失败: %w", err)
	}
	return nil
}

// SetPollTally 重建计票缓存
func (r *RedisRepository) SetPollTally(pollID string, tally map[int32]int32) error {
	key := PollTallyKey + pollID

	data := make(map[string]interface{}, len(tally))
	for optionID, count := range tally {
		data[strconv.FormatInt(int64(optionID), 10)] = int64(count)
	}

	pipe := r.client.Pipeline()
	pipe.Del(r.ctx, key)
	pipe.HSet(r.ctx, key, data)
	pipe.Expire(r.ctx, key, tallyCacheTTL)
	if _, err := pipe.Exec(r.ctx); err != nil {
		return fmt.Errorf("重建计票缓存失败: %w", err)
	}

	return nil
}

// GetPollTally 获取计票缓存
func (r *RedisRepository) GetPollTally(pollID string) (map[int32]int32, bool, error) {
	key := PollTallyKey + pollID
	data, err := r.client.HGetAll(r.ctx, key).Result()
	if err != nil {
		return nil, false, fmt.Errorf("获取计票缓存失败: %w", err)
	}

	if len(data) == 0 {
		return nil, false, nil // 缓存未命中
	}

	tally := make(map[int32]int32, len(data))
	for field, value := range data {
		optionID, err := strconv.ParseInt(field, 10, 32)
		if err != nil {
			return nil, false, fmt.Errorf("解析计票缓存选项ID失败: %w", err)
		}
		count, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return nil, false, fmt.Errorf("解析计票缓存票数失败: %w", err)
		}
		tally[int32(optionID)] = int32(count)
	}

	return tally, true, nil
}

// IncrementTally 使用预加载的Lua脚本原子增加计票缓存
func (r *RedisRepository) IncrementTally(pollID string, optionID int32) (int32, error) {
	key := PollTallyKey + pollID

	sha1, ok := r.scriptHashes["incrementTally"]
	if !ok {
		return 0, fmt.Errorf("脚本未预加载")
	}

	optionField := strconv.FormatInt(int64(optionID), 10)

	result, err := r.client.EvalSha(r.ctx, sha1, []string{key}, optionField).Result()
	if err != nil {
		// 脚本可能被Redis重启冲掉，重新加载后再试一次
		if err.Error() == "NOSCRIPT No matching script. Please use EVAL." {
			sha1, err = r.client.ScriptLoad(r.ctx, IncrementTallyScript).Result()
			if err != nil {
				return 0, fmt.Errorf("重新加载计票脚本失败: %w", err)
			}
			r.scriptHashes["incrementTally"] = sha1

			result, err = r.client.EvalSha(r.ctx, sha1, []string{key}, optionField).Result()
			if err != nil {
				return 0, fmt.Errorf("执行计票脚本失败: %w", err)
			}
		} else {
			return 0, fmt.Errorf("执行计票脚本失败: %w", err)
		}
	}

	resultSlice, ok := result.([]interface{})
	if !ok {
		return 0, fmt.Errorf("LUA脚本返回类型错误")
	}
	if len(resultSlice) < 2 {
		return 0, fmt.Errorf("LUA脚本返回格式错误")
	}

	status, ok := resultSlice[0].(int64)
	if !ok {
		return 0, fmt.Errorf("LUA脚本返回状态码类型错误")
	}
	if status != 0 {
		errorMsg, _ := resultSlice[1].(string)
		return 0, fmt.Errorf("%s", errorMsg)
	}

	count, ok := resultSlice[1].(int64)
	if !ok {
		return 0, fmt.Errorf("LUA脚本返回票数类型错误")
	}

	return int32(count), nil
}

// GetUserPointsCache 从缓存获取用户积分
func (r *RedisRepository) GetUserPointsCache(userID string) (*model.UserPoints, bool, error) {
	key := UserPointsKey + userID
	data, err := r.client.Get(r.ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil // 缓存未命中
		}
		return nil, false, fmt.Errorf("获取用户积分缓存失败: %w", err)
	}

	var userPoints model.UserPoints
	if err := json.Unmarshal([]byte(data), &userPoints); err != nil {
		return nil, false, fmt.Errorf("解析用户积分缓存失败: %w", err)
	}

	return &userPoints, true, nil
}

// SetUserPointsCache 设置用户积分缓存
func (r *RedisRepository) SetUserPointsCache(userPoints *model.UserPoints) error {
	key := UserPointsKey + userPoints.UserID
	data, err := json.Marshal(userPoints)
	if err != nil {
		return fmt.Errorf("序列化用户积分失败: %w", err)
	}

	if err := r.client.Set(r.ctx, key, data, pointsTTL).Err(); err != nil {
		return fmt.Errorf("设置用户积分缓存失败: %w", err)
	}

	return nil
}

// DeleteUserPointsCache 删除用户积分缓存
func (r *RedisRepository) DeleteUserPointsCache(userID string) error {
	key := UserPointsKey + userID
	if err := r.client.Del(r.ctx, key).Err(); err != nil {
		return fmt.Errorf("删除用户积分缓存失败: %w", err)
	}
	return nil
}

// Close 关闭Redis连接
func (r *RedisRepository) Close() error {
	return r.client.Close()
}
