package profile

import (
	"fmt"
	"os"
	"sort"

	ferrors "github.com/calderhq/forge/internal/errors"
)

// FieldType is the closed set of context field types.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldBool   FieldType = "bool"
	// FieldPath is a string; when MustExist is set the file or directory
	// must exist at validation time.
	FieldPath FieldType = "path"
	// FieldChoice is a string restricted to Choices.
	FieldChoice FieldType = "choice"
)

// FieldSpec describes one context field.
type FieldSpec struct {
	Type      FieldType
	Required  bool
	Choices   []string
	MustExist bool
}

// Schema maps context field names to their specs.
type Schema map[string]FieldSpec

// Validate checks a schema itself for unknown field types. Called when a
// profile registers, so a bad schema fails at startup rather than at init.
func (s Schema) Validate() error {
	for name, spec := range s {
		switch spec.Type {
		case FieldString, FieldInt, FieldBool, FieldPath, FieldChoice:
		default:
			return fmt.Errorf("field %s: unknown type %q", name, spec.Type)
		}
		if spec.Type == FieldChoice && len(spec.Choices) == 0 {
			return fmt.Errorf("field %s: choice type requires choices", name)
		}
	}
	return nil
}

// ValidateContext checks a session context map against the schema.
// Unknown context keys are rejected; the engine stores context opaquely but
// will not carry values no profile declared.
func (s Schema) ValidateContext(ctx map[string]any) error {
	var names []string
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := s[name]
		value, present := ctx[name]
		if !present {
			if spec.Required {
				return ferrors.ContextInvalid(fmt.Sprintf("missing required context field %q", name))
			}
			continue
		}
		if err := checkValue(name, spec, value); err != nil {
			return err
		}
	}

	for key := range ctx {
		if _, known := s[key]; !known {
			return ferrors.ContextInvalid(fmt.Sprintf("unknown context field %q", key))
		}
	}
	return nil
}

func checkValue(name string, spec FieldSpec, value any) error {
	switch spec.Type {
	case FieldString:
		if _, ok := value.(string); !ok {
			return ferrors.ContextInvalid(fmt.Sprintf("field %q must be a string", name))
		}
	case FieldInt:
		switch v := value.(type) {
		case int:
		case int64:
		case float64:
			// JSON numbers decode as float64; accept integral values only.
			if v != float64(int64(v)) {
				return ferrors.ContextInvalid(fmt.Sprintf("field %q must be an integer", name))
			}
		default:
			return ferrors.ContextInvalid(fmt.Sprintf("field %q must be an integer", name))
		}
	case FieldBool:
		if _, ok := value.(bool); !ok {
			return ferrors.ContextInvalid(fmt.Sprintf("field %q must be a boolean", name))
		}
	case FieldPath:
		path, ok := value.(string)
		if !ok {
			return ferrors.ContextInvalid(fmt.Sprintf("field %q must be a path string", name))
		}
		if spec.MustExist {
			if _, err := os.Stat(path); err != nil {
				return ferrors.ContextInvalid(fmt.Sprintf("field %q: path %s does not exist", name, path))
			}
		}
	case FieldChoice:
		v, ok := value.(string)
		if !ok {
			return ferrors.ContextInvalid(fmt.Sprintf("field %q must be one of %v", name, spec.Choices))
		}
		for _, c := range spec.Choices {
			if v == c {
				return nil
			}
		}
		return ferrors.ContextInvalid(fmt.Sprintf("field %q: %q is not one of %v", name, v, spec.Choices))
	}
	return nil
}
