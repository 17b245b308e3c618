package grid

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient connects and pings the server.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

// Redis stores each collection as a hash of key to document. Index entries
// are sets named <collection>:idx:<field>:<value>.
type Redis struct {
	client redis.UniversalClient
}

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Keys(ctx context.Context, collection string) ([]string, error) {
	keys, err := r.client.HKeys(ctx, collection).Result()
	if err != nil {
		return nil, fmt.Errorf("keys %s: %w", collection, err)
	}
	return keys, nil
}

func (r *Redis) GetAll(ctx context.Context, collection string, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := r.client.HMGet(ctx, collection, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", collection, err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		out[keys[i]] = []byte(s)
	}
	return out, nil
}

func (r *Redis) Query(ctx context.Context, collection, field string, values []string) ([]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	sets := make([]string, 0, len(values))
	for _, v := range values {
		sets = append(sets, indexKey(collection, field, v))
	}
	keys, err := r.client.SUnion(ctx, sets...).Result()
	if err != nil {
		return nil, fmt.Errorf("query %s by %s: %w", collection, field, err)
	}
	return keys, nil
}

func (r *Redis) Put(ctx context.Context, collection, key string, doc []byte, index map[string]string) error {
	ref := backrefKey(collection, key)
	old, err := r.client.HGetAll(ctx, ref).Result()
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, key, err)
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for field, value := range old {
			p.SRem(ctx, indexKey(collection, field, value), key)
		}
		p.Del(ctx, ref)
		p.HSet(ctx, collection, key, doc)
		for field, value := range index {
			p.SAdd(ctx, indexKey(collection, field, value), key)
			p.HSet(ctx, ref, field, value)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, collection, key string) error {
	ref := backrefKey(collection, key)
	old, err := r.client.HGetAll(ctx, ref).Result()
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, key, err)
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for field, value := range old {
			p.SRem(ctx, indexKey(collection, field, value), key)
		}
		p.Del(ctx, ref)
		p.HDel(ctx, collection, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, key, err)
	}
	return nil
}
