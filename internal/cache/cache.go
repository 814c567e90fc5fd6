// Package cache は Redis を使った読み取りキャッシュを提供します。
//
// キーはスコープとユーザーごとのインデックス集合に登録され、Invalidate はその集合単位で削除します。
// Invalidate は同時にスコープの世代を進めます。読み取り前に取得した世代が進んでいれば SetJSON は書き込みません。
// Redis が使えない場合はすべてキャッシュミスとして扱い、呼び出し元は常にデータベースへフォールバックします。
package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-crypt/x/blake2b"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const keyPrefix = "cache:"

// Cache は JSON 値のキャッシュです。nil や Redis 未設定の Cache は何もしません。
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// New は Cache を作成します。client が nil の場合は無効なキャッシュになります。
func New(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "cache").Logger(),
	}
}

func (c *Cache) enabled() bool {
	return c != nil && c.client != nil
}

// Key はスコープ・ユーザー・クエリ条件からキャッシュキーを組み立てます。
// クエリ条件はハッシュ化するので長さや文字種に制約はありません。
func Key(scope, userID string, parts ...string) string {
	h, _ := blake2b.New(16, nil)
	h.Write([]byte(strings.Join(parts, "\x00")))
	return keyPrefix + scope + ":" + userID + ":" + hex.EncodeToString(h.Sum(nil))
}

func indexKey(scope, userID string) string {
	return keyPrefix + "idx:" + scope + ":" + userID
}

func generationKey(scope, userID string) string {
	return keyPrefix + "gen:" + scope + ":" + userID
}

// NoGeneration は世代を取得できなかったことを表します。この世代での SetJSON は何もしません。
const NoGeneration int64 = -1

var errStale = errors.New("cache generation changed")

// Generation は scope/userID の現在の世代を返します。データベースを読む前に呼び出します。
func (c *Cache) Generation(ctx context.Context, scope, userID string) int64 {
	if !c.enabled() {
		return NoGeneration
	}

	gen, err := c.client.Get(ctx, generationKey(scope, userID)).Int64()
	switch {
	case errors.Is(err, redis.Nil):
		return 0
	case err != nil:
		c.logger.Warn().Err(err).Str("scope", scope).Msg("cache generation read failed")
		return NoGeneration
	}
	return gen
}

// GetJSON はキャッシュから値を読み出して dest にデコードします。ヒットした場合に true を返します。
func (c *Cache) GetJSON(ctx context.Context, key string, dest any) bool {
	if !c.enabled() {
		return false
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
		}
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache entry is corrupted")
		return false
	}
	return true
}

// SetJSON は世代が gen のままであれば値を保存し、scope/userID のインデックスに登録します。
// 世代が進んでいる場合は古い読み取り結果なので保存しません。失敗はログのみで無視します。
func (c *Cache) SetJSON(ctx context.Context, scope, userID, key string, gen int64, value any) {
	if !c.enabled() || gen < 0 {
		return
	}

	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("failed to encode cache entry")
		return
	}

	idx := indexKey(scope, userID)
	genKey := generationKey(scope, userID)
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return errStale
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, c.ttl)
			pipe.SAdd(ctx, idx, key)
			pipe.Expire(ctx, idx, c.ttl)
			return nil
		})
		return err
	}, genKey)

	switch {
	case err == nil:
	case errors.Is(err, errStale), errors.Is(err, redis.TxFailedErr):
		c.logger.Debug().Str("key", key).Msg("skipped stale cache write")
	default:
		c.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

// Invalidate は scope/userID に登録されたすべてのエントリを削除します。
func (c *Cache) Invalidate(ctx context.Context, scope, userID string) {
	if !c.enabled() {
		return
	}

	// 先に世代を進め、実行中の読み取りが古い値を書き戻せないようにする
	if err := c.client.Incr(ctx, generationKey(scope, userID)).Err(); err != nil {
		c.logger.Warn().Err(err).Str("scope", scope).Msg("cache invalidation failed")
		return
	}

	idx := indexKey(scope, userID)
	keys, err := c.client.SMembers(ctx, idx).Result()
	if err != nil {
		c.logger.Warn().Err(err).Str("scope", scope).Msg("cache invalidation failed")
		return
	}

	if err := c.client.Del(ctx, append(keys, idx)...).Err(); err != nil {
		c.logger.Warn().Err(err).Str("scope", scope).Msg("cache invalidation failed")
	}
}
