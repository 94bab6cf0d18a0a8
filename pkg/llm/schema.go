// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package llm

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SchemaFor derives the JSON Schema for T, inlined and closed, suitable for
// provider structured-output modes.
func SchemaFor[T any]() json.RawMessage {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	schema := reflector.Reflect(&v)
	schema.Version = ""

	data, err := json.Marshal(schema)
	if err != nil {
		// Reflection over our own types cannot produce unmarshalable
		// schemas; treat it as a programming error.
		panic(fmt.Sprintf("llm: failed to marshal schema: %v", err))
	}
	return data
}
