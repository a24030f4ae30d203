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
package fleetsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fleetcore/fleetsync/cache"
	"github.com/fleetcore/fleetsync/store"
)

const (
	entityKeyPrefix = "entity:"
	entityCacheTTL  = 5 * time.Minute
)

// LocalEntity is the client-resident copy of a remote entity. Dirty marks
// entities with local edits that have not been confirmed remotely yet;
// reconciliation never overwrites a dirty entity from the remote side.
type LocalEntity struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Data       json.RawMessage `json:"data"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Dirty      bool            `json:"dirty"`
}

// LocalView stores the client's picture of remote state. Reads go through
// an optional cache tier; the KV store stays authoritative.
type LocalView struct {
	kv    store.KeyValueStore
	cache cache.Cache
}

func NewLocalView(kv store.KeyValueStore, cache cache.Cache) *LocalView {
	return &LocalView{kv: kv, cache: cache}
}

func entityKey(entityType, entityID string) string {
	return fmt.Sprintf("%s%s:%s", entityKeyPrefix, entityType, entityID)
}

// Put writes an entity, replacing any existing copy.
func (v *LocalView) Put(ctx context.Context, entity *LocalEntity) error {
	if entity.EntityType == "" || entity.EntityID == "" {
		return errors.New("entity type and id are required")
	}
	data, err := json.Marshal(entity)
	if err != nil {
		return err
	}
	key := entityKey(entity.EntityType, entity.EntityID)
	if err := v.kv.Set(ctx, key, data); err != nil {
		return err
	}
	if v.cache != nil {
		if err := v.cache.Set(ctx, key, entity, entityCacheTTL); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the stored entity, or store.ErrKeyNotFound when absent.
func (v *LocalView) Get(ctx context.Context, entityType, entityID string) (*LocalEntity, error) {
	key := entityKey(entityType, entityID)
	if v.cache != nil {
		var cached LocalEntity
		if err := v.cache.Get(ctx, key, &cached); err == nil && cached.EntityID != "" {
			return &cached, nil
		}
	}
	data, err := v.kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var entity LocalEntity
	if err := json.Unmarshal(data, &entity); err != nil {
		return nil, err
	}
	if v.cache != nil {
		if err := v.cache.Set(ctx, key, &entity, entityCacheTTL); err != nil {
			return nil, err
		}
	}
	return &entity, nil
}

// MarkClean clears the dirty flag after the remote has confirmed the
// local edit.
func (v *LocalView) MarkClean(ctx context.Context, entityType, entityID string) error {
	entity, err := v.Get(ctx, entityType, entityID)
	if err != nil {
		return err
	}
	if !entity.Dirty {
		return nil
	}
	entity.Dirty = false
	entity.UpdatedAt = time.Now()
	return v.Put(ctx, entity)
}

// Delete removes an entity from the local view.
func (v *LocalView) Delete(ctx context.Context, entityType, entityID string) error {
	key := entityKey(entityType, entityID)
	if v.cache != nil {
		if err := v.cache.Delete(ctx, key); err != nil {
			return err
		}
	}
	return v.kv.Delete(ctx, key)
}

// List returns every stored entity of the given type.
func (v *LocalView) List(ctx context.Context, entityType string) ([]*LocalEntity, error) {
	prefix := entityKeyPrefix + entityType + ":"
	keys, err := v.kv.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	entities := make([]*LocalEntity, 0, len(keys))
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		data, err := v.kv.Get(ctx, key)
		if errors.Is(err, store.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var entity LocalEntity
		if err := json.Unmarshal(data, &entity); err != nil {
			return nil, err
		}
		entities = append(entities, &entity)
	}
	return entities, nil
}
