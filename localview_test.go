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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetcore/fleetsync/store"
)

func newTestView(t *testing.T) *LocalView {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	kv := store.NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return NewLocalView(kv, nil)
}

func TestLocalViewPutGetDelete(t *testing.T) {
	view := newTestView(t)
	ctx := context.Background()

	entity := &LocalEntity{
		EntityType: "vehicles",
		EntityID:   "veh_1",
		Data:       json.RawMessage(`{"plate":"ABC-123"}`),
		UpdatedAt:  time.Now().UTC(),
		Dirty:      true,
	}
	require.NoError(t, view.Put(ctx, entity))

	got, err := view.Get(ctx, "vehicles", "veh_1")
	require.NoError(t, err)
	assert.Equal(t, "veh_1", got.EntityID)
	assert.True(t, got.Dirty)
	assert.JSONEq(t, `{"plate":"ABC-123"}`, string(got.Data))

	require.NoError(t, view.Delete(ctx, "vehicles", "veh_1"))
	_, err = view.Get(ctx, "vehicles", "veh_1")
	assert.ErrorIs(t, err, store.ErrKeyNotFound)
}

func TestLocalViewRejectsIncompleteEntities(t *testing.T) {
	view := newTestView(t)

	err := view.Put(context.Background(), &LocalEntity{EntityType: "vehicles"})
	assert.Error(t, err)
}

func TestLocalViewMarkClean(t *testing.T) {
	view := newTestView(t)
	ctx := context.Background()

	require.NoError(t, view.Put(ctx, &LocalEntity{
		EntityType: "vehicles", EntityID: "veh_1",
		Data: json.RawMessage(`{}`), Dirty: true,
	}))

	require.NoError(t, view.MarkClean(ctx, "vehicles", "veh_1"))

	got, err := view.Get(ctx, "vehicles", "veh_1")
	require.NoError(t, err)
	assert.False(t, got.Dirty)

	// Marking an already clean entity is a no-op.
	require.NoError(t, view.MarkClean(ctx, "vehicles", "veh_1"))
}

func TestLocalViewListFiltersByType(t *testing.T) {
	view := newTestView(t)
	ctx := context.Background()

	require.NoError(t, view.Put(ctx, &LocalEntity{EntityType: "vehicles", EntityID: "veh_1", Data: json.RawMessage(`{}`)}))
	require.NoError(t, view.Put(ctx, &LocalEntity{EntityType: "vehicles", EntityID: "veh_2", Data: json.RawMessage(`{}`)}))
	require.NoError(t, view.Put(ctx, &LocalEntity{EntityType: "drivers", EntityID: "drv_1", Data: json.RawMessage(`{}`)}))

	vehicles, err := view.List(ctx, "vehicles")
	require.NoError(t, err)
	assert.Len(t, vehicles, 2)

	drivers, err := view.List(ctx, "drivers")
	require.NoError(t, err)
	assert.Len(t, drivers, 1)

	none, err := view.List(ctx, "depots")
	require.NoError(t, err)
	assert.Empty(t, none)
}
