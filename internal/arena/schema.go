package arena

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/p-n-ai/pai-arena/internal/apperr"
)

const classificationSchema = `{
  "type": "object",
  "required": ["prompt", "categories", "items"],
  "properties": {
    "prompt": {"type": "string", "minLength": 1},
    "categories": {
      "type": "array", "minItems": 2, "uniqueItems": true,
      "items": {"type": "string", "minLength": 1}
    },
    "items": {
      "type": "array", "minItems": 1,
      "items": {
        "type": "object",
        "required": ["label", "category"],
        "properties": {
          "label": {"type": "string", "minLength": 1},
          "category": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`

const symbiosisDuelSchema = `{
  "type": "object",
  "required": ["pair", "choices", "answer"],
  "properties": {
    "pair": {"type": "string", "minLength": 1},
    "choices": {
      "type": "array", "minItems": 2, "uniqueItems": true,
      "items": {"type": "string", "minLength": 1}
    },
    "answer": {"type": "string", "minLength": 1},
    "explanation": {"type": "string"}
  }
}`

const predatorNarrativeSchema = `{
  "type": "object",
  "required": ["title", "steps"],
  "properties": {
    "title": {"type": "string", "minLength": 1},
    "steps": {
      "type": "array", "minItems": 1,
      "items": {
        "type": "object",
        "required": ["text", "choices", "answer"],
        "properties": {
          "text": {"type": "string", "minLength": 1},
          "choices": {
            "type": "array", "minItems": 2,
            "items": {"type": "string", "minLength": 1}
          },
          "answer": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`

var compiledSchemas = sync.OnceValues(func() (map[Kind]*gojsonschema.Schema, error) {
	sources := map[Kind]string{
		KindClassification:    classificationSchema,
		KindSymbiosisDuel:     symbiosisDuelSchema,
		KindPredatorNarrative: predatorNarrativeSchema,
	}
	out := make(map[Kind]*gojsonschema.Schema, len(sources))
	for kind, src := range sources {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", kind, err)
		}
		out[kind] = s
	}
	return out, nil
})

func validatePayload(kind Kind, payload []byte) error {
	if len(payload) == 0 {
		return apperr.Invalid("activity.payload", "is empty")
	}
	schemas, err := compiledSchemas()
	if err != nil {
		return err
	}

	result, err := schemas[kind].Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return apperr.Invalid("activity.payload", "not valid JSON: %v", err)
	}
	if result.Valid() {
		return nil
	}

	reasons := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		reasons = append(reasons, e.String())
	}
	return apperr.Invalid("activity.payload", "%s: %s", kind, strings.Join(reasons, "; "))
}
