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
package model

import (
	"encoding/json"

	"github.com/fleetcore/fleetsync/model"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// RecordSync is the request body for recording a new sync operation.
type RecordSync struct {
	OperationID string          `json:"operation_id,omitempty"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
}

func (r *RecordSync) ValidateRecordSync() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.EntityType, validation.Required),
		validation.Field(&r.EntityID, validation.Required),
		validation.Field(&r.Kind, validation.Required, validation.In(model.KindCreate, model.KindUpdate, model.KindDelete)),
	)
}

func (r *RecordSync) ToNewSyncOperation() model.NewSyncOperation {
	return model.NewSyncOperation{
		OperationID: r.OperationID,
		EntityType:  r.EntityType,
		EntityID:    r.EntityID,
		Kind:        r.Kind,
		Payload:     r.Payload,
	}
}
