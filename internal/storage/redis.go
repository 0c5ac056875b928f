package storage

import (
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	redisFieldData        = "data"
	redisFieldContentType = "content_type"
)

// RedisStore keeps each object in a hash (data, content_type) under keyPrefix+key.
// Keys produced by this system contain no glob metacharacters, so SCAN MATCH on
// the prefix is exact.
type RedisStore struct {
	rdb       *redis.Client
	keyPrefix string
	baseURL   string
}

func NewRedisStore(ctx context.Context, addr, password string, db int, keyPrefix, publicBaseURL string) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis addr is empty")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return NewRedisStoreWithClient(rdb, keyPrefix, publicBaseURL), nil
}

func NewRedisStoreWithClient(rdb *redis.Client, keyPrefix, publicBaseURL string) *RedisStore {
	return &RedisStore{rdb: rdb, keyPrefix: keyPrefix, baseURL: publicBaseURL}
}

func (s *RedisStore) List(ctx context.Context, prefix string) ([]Object, error) {
	var out []Object
	iter := s.rdb.Scan(ctx, 0, s.keyPrefix+prefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), s.keyPrefix)
		size, err := s.rdb.HStrLen(ctx, iter.Val(), redisFieldData).Result()
		if err != nil {
			return nil, errors.Wrap(err, "redis object size")
		}
		out = append(out, Object{Key: key, Size: size, ContentType: ContentTypeFor(key), URL: s.PublicURL(key)})
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "scan redis keys")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.rdb.HGet(ctx, s.keyPrefix+key, redisFieldData).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "redis get")
	}
	return data, nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.keyPrefix+key).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis exists")
	}
	return n > 0, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, data []byte, contentType string) (Object, error) {
	if err := ValidKey(key); err != nil {
		return Object{}, err
	}
	if contentType == "" {
		contentType = ContentTypeFor(key)
	}
	err := s.rdb.HSet(ctx, s.keyPrefix+key, redisFieldData, data, redisFieldContentType, contentType).Err()
	if err != nil {
		return Object{}, errors.Wrap(err, "redis put")
	}
	return Object{Key: key, Size: int64(len(data)), ContentType: contentType, URL: s.PublicURL(key)}, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	n, err := s.rdb.Del(ctx, s.keyPrefix+key).Result()
	if err != nil {
		return errors.Wrap(err, "redis delete")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) PublicURL(key string) string { return joinURL(s.baseURL, key) }
