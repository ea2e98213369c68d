package schedrelay

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// tenantConfigSchema constrains tenant configuration documents written
// through the store or the admin surface. Thread ids may be null to mark
// a scope as unconfigured.
const tenantConfigSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"commandChannelId": {"type": "string"},
		"databaseId": {"type": "string"},
		"timezone": {"type": "string"},
		"threads": {
			"type": ["object", "null"],
			"properties": {
				"thisMonth": {"type": ["string", "null"]},
				"lastMonth": {"type": ["string", "null"]},
				"nextMonth": {"type": ["string", "null"]},
				"archive": {"type": ["string", "null"]}
			},
			"additionalProperties": false
		}
	},
	"additionalProperties": false
}`

var (
	tenantSchemaOnce sync.Once
	tenantSchema     *jsonschema.Schema
	tenantSchemaErr  error
)

func compiledTenantSchema() (*jsonschema.Schema, error) {
	tenantSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(tenantConfigSchema))
		if err != nil {
			tenantSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("tenant-config.json", doc); err != nil {
			tenantSchemaErr = err
			return
		}
		tenantSchema, tenantSchemaErr = compiler.Compile("tenant-config.json")
	})
	return tenantSchema, tenantSchemaErr
}

// ValidateTenantConfigDocument checks cfg against the tenant config
// schema. cfg may be a *TenantConfig or an already-decoded JSON value.
func ValidateTenantConfigDocument(cfg any) error {
	schema, err := compiledTenantSchema()
	if err != nil {
		return err
	}
	value := cfg
	if _, ok := cfg.(*TenantConfig); ok {
		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		decoded, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
		if err != nil {
			return err
		}
		value = decoded
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
