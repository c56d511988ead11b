package llm

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ReferralJSONSchema returns a JSON-Schema (draft 2020-12 subset) as a generic
// map. It is passed to the model as an output constraint and used locally to
// validate what comes back. Nothing is required at this layer; completeness is
// judged by the validation policy, the schema only constrains shape.
func ReferralJSONSchema() map[string]any {
	str := map[string]any{"type": "string"}
	contact := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"phone":   str,
			"email":   str,
			"address": str,
		},
	}
	provider := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"name":        str,
			"provider_id": str,
			"specialty":   str,
			"contact":     contact,
		},
	}
	patient := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"name":          str,
			"date_of_birth": str,
			"gender":        str,
			"patient_id":    str,
			"contact":       contact,
			"insurance": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]any{
					"provider":      str,
					"policy_number": str,
				},
			},
		},
	}
	medication := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"name":      str,
			"dosage":    str,
			"frequency": str,
		},
	}
	investigation := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"test_name": str,
			"date":      str,
			"result":    str,
		},
	}
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"referral_id":         str,
			"date_of_referral":    str,
			"referring_provider":  provider,
			"receiving_provider":  provider,
			"patient":             patient,
			"reason_for_referral": str,
			"diagnosis":           str,
			"medications":         map[string]any{"type": "array", "items": medication},
			"allergies":           map[string]any{"type": "array", "items": str},
			"recent_investigations": map[string]any{
				"type": "array", "items": investigation,
			},
			"requested_action": str,
			"attachments":      map[string]any{"type": "array", "items": str},
			"notes":            str,
			"summary":          str,
		},
	}
}

// EmailDraftJSONSchema constrains the request-for-information draft.
func EmailDraftJSONSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"subject": map[string]any{"type": "string", "minLength": 1},
			"body":    map[string]any{"type": "string", "minLength": 1},
		},
		"required": []string{"subject", "body"},
	}
}

// ValidateJSONAgainstSchema validates "data" against "schemaMap".
func ValidateJSONAgainstSchema(schemaMap map[string]any, data []byte) error {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
