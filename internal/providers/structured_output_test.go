package providers

import (
	"encoding/json"
	"testing"
)

const relevanceSchema = `{
	"name": "relevance",
	"strict": true,
	"schema": {
		"type": "object",
		"properties": {
			"is_relevant": {"type": "boolean"},
			"relevance_score": {"type": "number", "minimum": 0, "maximum": 1},
			"justification": {"type": "string"}
		},
		"required": ["is_relevant", "relevance_score", "justification"],
		"additionalProperties": false
	}
}`

func TestParseStructuredJSON_Plain(t *testing.T) {
	out, err := parseStructuredJSON(`{"a": 1}`)
	if err != nil {
		t.Fatalf("parseStructuredJSON() error = %v", err)
	}
	if string(out) != `{"a":1}` {
		t.Errorf("got %s", out)
	}
}

func TestParseStructuredJSON_CodeFence(t *testing.T) {
	content := "```json\n{\"is_relevant\": true}\n```"
	out, err := parseStructuredJSON(content)
	if err != nil {
		t.Fatalf("parseStructuredJSON() error = %v", err)
	}
	if string(out) != `{"is_relevant":true}` {
		t.Errorf("got %s", out)
	}
}

func TestParseStructuredJSON_SurroundingText(t *testing.T) {
	content := `Here is my answer: {"score": 0.9} Hope that helps!`
	out, err := parseStructuredJSON(content)
	if err != nil {
		t.Fatalf("parseStructuredJSON() error = %v", err)
	}
	if string(out) != `{"score":0.9}` {
		t.Errorf("got %s", out)
	}
}

func TestParseStructuredJSON_Garbage(t *testing.T) {
	if _, err := parseStructuredJSON("not json at all"); err == nil {
		t.Error("expected parse failure")
	}
}

func TestValidateStructuredJSON(t *testing.T) {
	schema := json.RawMessage(relevanceSchema)

	good := json.RawMessage(`{"is_relevant": true, "relevance_score": 0.85, "justification": "matches"}`)
	if err := validateStructuredJSON(schema, good); err != nil {
		t.Errorf("valid document rejected: %v", err)
	}

	missing := json.RawMessage(`{"is_relevant": true}`)
	if err := validateStructuredJSON(schema, missing); err == nil {
		t.Error("document missing required fields accepted")
	}

	outOfRange := json.RawMessage(`{"is_relevant": true, "relevance_score": 1.5, "justification": "x"}`)
	if err := validateStructuredJSON(schema, outOfRange); err == nil {
		t.Error("out-of-range score accepted")
	}
}

func TestJSONSchemaFormat_WrapsSchema(t *testing.T) {
	rf := JSONSchemaFormat("relevance", json.RawMessage(`{"type":"object"}`))
	if rf.Type != "json_schema" {
		t.Errorf("Type = %q", rf.Type)
	}

	core, err := extractValidationSchema(rf.JSONSchema)
	if err != nil {
		t.Fatalf("extractValidationSchema() error = %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(core, &doc); err != nil {
		t.Fatalf("inner schema not JSON: %v", err)
	}
	if doc["type"] != "object" {
		t.Errorf("inner schema = %v", doc)
	}
}

func TestSanitizeStructuredSchemaForModel_AnthropicBounds(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"n":{"type":"integer","minimum":1,"maximum":10}}}`)

	out, err := sanitizeStructuredSchemaForModel("anthropic/claude-sonnet-4", schema)
	if err != nil {
		t.Fatalf("sanitize error = %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatal(err)
	}
	props := doc["properties"].(map[string]any)
	n := props["n"].(map[string]any)
	if _, ok := n["minimum"]; ok {
		t.Error("minimum not stripped for anthropic model")
	}

	// Non-anthropic models keep bounds.
	out, err = sanitizeStructuredSchemaForModel("qwen/qwen3-30b-a3b", schema)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != string(schema) {
		t.Error("schema modified for non-anthropic model")
	}
}
