// SPDX-License-Identifier: AGPL-3.0
// Copyright 2026 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Schema is a named JSON schema handed to CompleteStructured.
type Schema struct {
	Name       string
	Definition map[string]any
}

// SchemaFor reflects a JSON schema from a Go type using struct tags.
//
// Supported tags:
//   - json:"name" - field name
//   - jsonschema:"required" - mark as required
//   - jsonschema:"description=..." - field description
//   - jsonschema:"enum=a,enum=b" - allowed values
//
// Example:
//
//	type Verdict struct {
//	    Grounded bool    `json:"grounded" jsonschema:"required"`
//	    Coverage float64 `json:"coverage" jsonschema:"required,description=Fraction of facets addressed"`
//	}
func SchemaFor[T any](name string) (*Schema, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,

		// Inline everything; no $ref indirection.
		ExpandedStruct: true,

		// Don't add $schema and $id.
		DoNotReference: true,
	}

	schema := reflector.Reflect(new(T))

	definition, err := schemaToMap(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to convert schema to map: %w", err)
	}

	return &Schema{Name: name, Definition: definition}, nil
}

// MustSchemaFor is SchemaFor for package-level schema variables.
func MustSchemaFor[T any](name string) *Schema {
	s, err := SchemaFor[T](name)
	if err != nil {
		panic(err)
	}
	return s
}

// schemaToMap converts a jsonschema.Schema to map[string]any.
func schemaToMap(schema *jsonschema.Schema) (map[string]any, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	delete(result, "$schema")
	delete(result, "$id")

	return result, nil
}
