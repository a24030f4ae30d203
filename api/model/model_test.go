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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateRecordSync(t *testing.T) {
	valid := RecordSync{
		EntityType: "vehicles",
		EntityID:   "veh_1",
		Kind:       "update",
		Payload:    json.RawMessage(`{"plate":"ABC-123"}`),
	}
	assert.NoError(t, valid.ValidateRecordSync())

	missingEntity := RecordSync{EntityID: "veh_1", Kind: "update"}
	assert.Error(t, missingEntity.ValidateRecordSync())

	missingID := RecordSync{EntityType: "vehicles", Kind: "update"}
	assert.Error(t, missingID.ValidateRecordSync())

	badKind := RecordSync{EntityType: "vehicles", EntityID: "veh_1", Kind: "merge"}
	assert.Error(t, badKind.ValidateRecordSync())
}

func TestToNewSyncOperationCarriesAllFields(t *testing.T) {
	r := RecordSync{
		OperationID: "op_1",
		EntityType:  "vehicles",
		EntityID:    "veh_1",
		Kind:        "create",
		Payload:     json.RawMessage(`{"plate":"ABC-123"}`),
	}
	op := r.ToNewSyncOperation()
	assert.Equal(t, "op_1", op.OperationID)
	assert.Equal(t, "vehicles", op.EntityType)
	assert.Equal(t, "veh_1", op.EntityID)
	assert.Equal(t, "create", op.Kind)
	assert.JSONEq(t, `{"plate":"ABC-123"}`, string(op.Payload))
}
