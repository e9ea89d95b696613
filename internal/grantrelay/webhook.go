package grantrelay

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// WebhookEvent is the normalized form of one accepted webhook request.
type WebhookEvent struct {
	Database  string
	EntityID  string
	UserToken string
}

// ValidationResult reports the outcome of payload validation. Errors lists
// every problem found, one entry per missing or malformed field.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// TokenInfo carries the raw user token plus whatever identity claims could be
// read out of it. The token is treated as opaque credential material and is
// never logged.
type TokenInfo struct {
	Token     string
	UserID    string
	UserEmail string
}

const webhookSchemaJSON = `{
	"type": "object",
	"properties": {
		"db": {"type": "string", "minLength": 1},
		"entity": {
			"type": "object",
			"properties": {
				"_id": {"type": "string", "minLength": 1}
			}
		},
		"token": {"type": "string", "minLength": 1}
	}
}`

var webhookSchema = mustCompileWebhookSchema()

func mustCompileWebhookSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(webhookSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("webhook schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("webhook.json", doc); err != nil {
		panic(fmt.Sprintf("webhook schema: %v", err))
	}
	schema, err := compiler.Compile("webhook.json")
	if err != nil {
		panic(fmt.Sprintf("webhook schema: %v", err))
	}
	return schema
}

// ValidatePayload checks a raw webhook body for the fields the pipeline
// needs. Structural problems and missing fields are all collected so the
// caller can report every defect at once.
func ValidatePayload(raw []byte) ValidationResult {
	payload, err := DecodePayload(raw)
	if err != nil {
		return ValidationResult{Valid: false, Errors: []string{"payload is not a JSON object"}}
	}

	var errs []string
	if s, ok := payload["db"].(string); !ok || s == "" {
		errs = append(errs, "db")
	}
	if ExtractEntityID(payload) == "" {
		errs = append(errs, "entity._id")
	}
	if s, ok := payload["token"].(string); !ok || s == "" {
		errs = append(errs, "token")
	}
	// The named-field checks already cover the schema's ground; the generic
	// entry is only worth reporting when they found nothing.
	if len(errs) == 0 {
		if err := webhookSchema.Validate(payload); err != nil {
			errs = append(errs, "payload failed schema validation")
		}
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// DecodePayload parses a raw body into a generic JSON object.
func DecodePayload(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}
	if payload == nil {
		return nil, fmt.Errorf("decode webhook payload: %w", ErrInvalidInput)
	}
	return payload, nil
}

// ExtractEntityID returns entity._id when present and non-empty, else "".
func ExtractEntityID(payload map[string]any) string {
	entity, ok := payload["entity"].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := entity["_id"].(string)
	return id
}

// ExtractUserToken reads the user token from the payload and, when the token
// looks like a JWT, decodes its middle segment for identity claims. The
// signature is deliberately not verified: the token is only forwarded and
// the claims are informational. A token that does not decode is still
// returned as-is with empty user fields.
func ExtractUserToken(payload map[string]any) TokenInfo {
	token, _ := payload["token"].(string)
	info := TokenInfo{Token: token}
	if token == "" {
		return info
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return info
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return info
	}
	var claims map[string]any
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return info
	}

	if sub, ok := claims["sub"].(string); ok {
		info.UserID = sub
	}
	if email, ok := claims["email"].(string); ok {
		info.UserEmail = email
	}
	if user, ok := claims["user"].(map[string]any); ok {
		if info.UserID == "" {
			if id, ok := user["_id"].(string); ok {
				info.UserID = id
			}
		}
		if info.UserEmail == "" {
			if email, ok := user["email"].(string); ok {
				info.UserEmail = email
			}
		}
	}
	return info
}
