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

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fleetcore/fleetsync/model"
)

// Entity is one remote-owned record as returned by a snapshot fetch.
type Entity struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Response captures the outcome of one mutating call.
type Response struct {
	StatusCode int
	Body       []byte
}

// Client talks to the authoritative backend. Every mutating call carries
// the operation id as an idempotency key, so re-sending the same operation
// after a lost acknowledgment never double-applies.
type Client struct {
	baseURL    string
	headers    map[string]string
	httpClient *http.Client
}

// NewClient builds a remote client for the given base URL.
func NewClient(baseURL string, headers map[string]string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		headers: headers,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Apply performs exactly one attempt of one operation. A returned error
// means the request never produced an HTTP response (transport failure);
// remote rejections come back as a Response with a non-2xx status code.
func (c *Client) Apply(ctx context.Context, op *model.SyncOperation) (*Response, error) {
	var (
		method string
		url    string
		body   io.Reader
	)

	switch op.Kind {
	case model.KindCreate:
		method = http.MethodPost
		url = fmt.Sprintf("%s/%s", c.baseURL, op.EntityType)
		body = bytes.NewReader(op.Payload)
	case model.KindUpdate:
		method = http.MethodPut
		url = fmt.Sprintf("%s/%s/%s", c.baseURL, op.EntityType, op.EntityID)
		body = bytes.NewReader(op.Payload)
	case model.KindDelete:
		method = http.MethodDelete
		url = fmt.Sprintf("%s/%s/%s", c.baseURL, op.EntityType, op.EntityID)
	default:
		return nil, fmt.Errorf("unknown operation kind: %s", op.Kind)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", op.OperationID)
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logrus.WithError(err).Error("Failed to close response body")
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// Snapshot fetches the authoritative state of every entity of the given
// type. Reconciliation treats this as the source of truth.
func (c *Client) Snapshot(ctx context.Context, entityType string) ([]Entity, error) {
	url := fmt.Sprintf("%s/%s", c.baseURL, entityType)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logrus.WithError(err).Error("Failed to close response body")
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("snapshot fetch for %s returned status %d", entityType, resp.StatusCode)
	}

	var entities []Entity
	if err := json.NewDecoder(resp.Body).Decode(&entities); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot for %s: %w", entityType, err)
	}
	return entities, nil
}
