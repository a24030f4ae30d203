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
	"errors"
	"fmt"

	"github.com/fleetcore/fleetsync/config"
)

// ErrKeyNotFound is returned by Get when no value exists for the key.
var ErrKeyNotFound = errors.New("store: key not found")

// KeyValueStore is the durable storage boundary of the engine. Every write
// is flushed to the backing medium before the call returns, so a process
// crash after Set never loses the value. Implementations must support
// atomic per-key read-modify-write when guarded by a single writer.
type KeyValueStore interface {
	// Get retrieves the value stored under key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set durably stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists every stored key with the given prefix, in no
	// particular order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases the underlying connection.
	Close() error
}

// NewKeyValueStore builds the store selected by the configuration.
func NewKeyValueStore(conf *config.Configuration) (KeyValueStore, error) {
	switch conf.Store.Driver {
	case config.StoreDriverRedis:
		return NewRedisStore(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	case config.StoreDriverSQLite:
		return NewSQLiteStore(conf.Store.SqlitePath)
	}
	return nil, fmt.Errorf("unknown store driver: %s", conf.Store.Driver)
}
