/*
Copyright 2024 FleetSync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	redis_db "github.com/fleetcore/fleetsync/internal/redis-db"
)

const (
	redisValuePrefix = "fleetsync:kv"
	redisKeyRegistry = "fleetsync:keys"
)

// RedisStore implements KeyValueStore on redis. Values live under
// namespaced string keys; a registry set tracks every stored key so Keys
// never has to SCAN the whole keyspace.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore connects to redis at the given DNS and returns a store.
func NewRedisStore(dns string, skipTLSVerify bool) (*RedisStore, error) {
	client, err := redis_db.NewRedisClient([]string{dns}, skipTLSVerify)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: client.Client()}, nil
}

// NewRedisStoreWithClient wraps an existing client, used by tests.
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) valueKey(key string) string {
	return fmt.Sprintf("%s:%s", redisValuePrefix, key)
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.valueKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	return data, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	// Value write and registry entry go through one pipeline so the
	// registry never references a missing value.
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.valueKey(key), value, 0)
	pipe.SAdd(ctx, redisKeyRegistry, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store key %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.valueKey(key))
	pipe.SRem(ctx, redisKeyRegistry, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	members, err := s.client.SMembers(ctx, redisKeyRegistry).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	keys := make([]string, 0, len(members))
	for _, member := range members {
		if strings.HasPrefix(member, prefix) {
			keys = append(keys, member)
		}
	}
	return keys, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
