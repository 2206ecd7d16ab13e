// Package validate guards inbound AI chat requests before any LLM work is
// scheduled.
package validate

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/user/vizchat/internal/types"
)

// ChatRequest is the body of an AI chat request.
type ChatRequest struct {
	Content string       `json:"content"`
	ChatID  types.ChatID `json:"chatId"`
	Model   string       `json:"model,omitempty"`
}

// StopRequest is the body of a stop-generation request.
type StopRequest struct {
	ChatID types.ChatID `json:"chatId"`
}

// FieldError is a human-readable problem with one request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Rejection is the 400 response body for an invalid request.
type Rejection struct {
	Error  string       `json:"error"`
	Fields []FieldError `json:"fields,omitempty"`
}

const chatSchema = `{
  "type": "object",
  "required": ["content", "chatId"],
  "properties": {
    "content": {"type": "string", "minLength": 1},
    "chatId":  {"type": "string", "minLength": 1},
    "model":   {"type": "string"}
  }
}`

const stopSchema = `{
  "type": "object",
  "required": ["chatId"],
  "properties": {
    "chatId": {"type": "string", "minLength": 1}
  }
}`

var (
	chatLoader = gojsonschema.NewStringLoader(chatSchema)
	stopLoader = gojsonschema.NewStringLoader(stopSchema)
)

var fieldMessages = map[string]string{
	"content": "content must be a non-empty string",
	"chatId":  "chatId must be a non-empty string",
	"model":   "model must be a string",
}

// Check validates raw against the chat request schema. It returns a non-nil
// Rejection when the request must not proceed.
func Check(raw []byte) (ChatRequest, *Rejection) {
	var req ChatRequest
	if rej := check(raw, chatLoader); rej != nil {
		return req, rej
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, &Rejection{Error: fmt.Sprintf("decode request: %v", err)}
	}
	return req, nil
}

// CheckStop validates a stop-generation body.
func CheckStop(raw []byte) (StopRequest, *Rejection) {
	var req StopRequest
	if rej := check(raw, stopLoader); rej != nil {
		return req, rej
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, &Rejection{Error: fmt.Sprintf("decode request: %v", err)}
	}
	return req, nil
}

// Validate checks raw and, when it is invalid, writes a 400 JSON rejection
// to w. The boolean reports whether the request may proceed.
func Validate(w http.ResponseWriter, raw []byte) (ChatRequest, bool) {
	req, rej := Check(raw)
	if rej != nil {
		WriteRejection(w, rej)
		return req, false
	}
	return req, true
}

// WriteRejection writes rej as a 400 response.
func WriteRejection(w http.ResponseWriter, rej *Rejection) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(rej)
}

func check(raw []byte, schema gojsonschema.JSONLoader) *Rejection {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil || body == nil {
		return &Rejection{Error: "request body must be a JSON object"}
	}

	result, err := gojsonschema.Validate(schema, gojsonschema.NewGoLoader(body))
	if err != nil {
		return &Rejection{Error: fmt.Sprintf("schema validation error: %v", err)}
	}
	if result.Valid() {
		return nil
	}

	seen := make(map[string]bool)
	var fields []FieldError
	for _, re := range result.Errors() {
		field := re.Field()
		if re.Type() == "required" {
			if p, ok := re.Details()["property"].(string); ok {
				field = p
			}
		}
		if seen[field] {
			continue
		}
		seen[field] = true
		msg, ok := fieldMessages[field]
		if !ok {
			msg = re.Description()
		}
		fields = append(fields, FieldError{Field: field, Message: msg})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Field < fields[j].Field })

	msgs := make([]string, len(fields))
	for i, f := range fields {
		msgs[i] = f.Message
	}
	return &Rejection{Error: strings.Join(msgs, "; "), Fields: fields}
}
