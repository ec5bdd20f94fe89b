package sharing

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const createSharingSchema = `{
  "type": "object",
  "required": ["description", "rules"],
  "properties": {
    "description": {"type": "string", "minLength": 1},
    "open_sharing": {"type": "boolean"},
    "obfuscate_ids": {"type": "boolean"},
    "rules": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["title", "doctype", "values"],
        "properties": {
          "title": {"type": "string"},
          "doctype": {"type": "string", "minLength": 1},
          "selector": {"type": "string"},
          "values": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
          "add": {"enum": ["sync", "push", "none", ""]},
          "update": {"enum": ["sync", "push", "none", ""]},
          "remove": {"enum": ["sync", "push", "none", ""]}
        }
      }
    },
    "recipients": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "email": {"type": "string"},
          "public_name": {"type": "string"},
          "instance": {"type": "string"},
          "read_only": {"type": "boolean"},
          "groups": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

const membersSchema = `{
  "type": "object",
  "properties": {
    "recipients": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "email": {"type": "string"},
          "public_name": {"type": "string"},
          "instance": {"type": "string"},
          "read_only": {"type": "boolean"}
        }
      }
    },
    "group": {"type": "string"},
    "read_only": {"type": "boolean"}
  }
}`

var (
	schemaOnce    sync.Once
	schemaErr     error
	createSchema  *jsonschema.Schema
	addMembersSch *jsonschema.Schema
)

func compileSchemas() {
	c := jsonschema.NewCompiler()
	for name, raw := range map[string]string{
		"create-sharing.json": createSharingSchema,
		"add-members.json":    membersSchema,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			schemaErr = err
			return
		}
		if err := c.AddResource(name, doc); err != nil {
			schemaErr = err
			return
		}
	}
	createSchema, schemaErr = c.Compile("create-sharing.json")
	if schemaErr != nil {
		return
	}
	addMembersSch, schemaErr = c.Compile("add-members.json")
}

func validateBody(pick func() *jsonschema.Schema, body []byte) error {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return schemaErr
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := pick().Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// ValidateCreateRequest checks the JSON body of a sharing creation.
func ValidateCreateRequest(body []byte) error {
	return validateBody(func() *jsonschema.Schema { return createSchema }, body)
}

// ValidateMembersRequest checks the JSON body adding recipients or a group.
func ValidateMembersRequest(body []byte) error {
	return validateBody(func() *jsonschema.Schema { return addMembersSch }, body)
}
