package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/kaptinlin/jsonschema"
)

const chatRequestSchema = `{
  "type": "object",
  "properties": {
    "sessionId": {"type": "string"},
    "message": {"type": "string"}
  },
  "required": ["sessionId", "message"]
}`

const resetRequestSchema = `{
  "type": "object",
  "properties": {
    "sessionId": {"type": "string"}
  },
  "required": ["sessionId"]
}`

const turnSchema = `{
  "type": "object",
  "properties": {
    "role": {"enum": ["user", "assistant", "system"]},
    "content": {"type": "string"}
  },
  "required": ["role", "content"]
}`

// An append body is either one turn or {"turns": [...]}.
const appendRequestSchema = `{
  "anyOf": [
    ` + turnSchema + `,
    {
      "type": "object",
      "properties": {
        "turns": {"type": "array", "items": ` + turnSchema + `},
        "key": {"type": "string"}
      },
      "required": ["turns"]
    }
  ]
}`

const summaryRequestSchema = `{
  "type": "object",
  "properties": {
    "summary": {"type": "string"}
  },
  "required": ["summary"]
}`

var errEmptyBody = errors.New("empty body")

type schemas struct {
	chat    *jsonschema.Schema
	reset   *jsonschema.Schema
	append  *jsonschema.Schema
	summary *jsonschema.Schema
}

func compileSchemas() (*schemas, error) {
	compile := func(name, src string) (*jsonschema.Schema, error) {
		schema, err := jsonschema.NewCompiler().Compile([]byte(src))
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		return schema, nil
	}
	var (
		out schemas
		err error
	)
	if out.chat, err = compile("chat", chatRequestSchema); err != nil {
		return nil, err
	}
	if out.reset, err = compile("reset", resetRequestSchema); err != nil {
		return nil, err
	}
	if out.append, err = compile("append", appendRequestSchema); err != nil {
		return nil, err
	}
	if out.summary, err = compile("summary", summaryRequestSchema); err != nil {
		return nil, err
	}
	return &out, nil
}

// readValidated reads the request body and checks it against schema.
func readValidated(r *http.Request, schema *jsonschema.Schema) ([]byte, error) {
	if r.Body == nil {
		return nil, errEmptyBody
	}
	defer r.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(raw) == 0 {
		return nil, errEmptyBody
	}
	if !json.Valid(raw) {
		return nil, errors.New("request body is not valid JSON")
	}
	result := schema.ValidateJSON(raw)
	if !result.IsValid() {
		return nil, fmt.Errorf("invalid request body: %v", result.Errors)
	}
	return raw, nil
}
