package entity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"sync"

	"github.com/invopop/jsonschema"
	jsv "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"

	"github.com/durastore/durastore/pkg/errors"
)

// FieldType is the JSON type a field must hold. An empty FieldType accepts
// any value.
type FieldType string

const (
	TypeAny     FieldType = ""
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
)

// FieldDef describes one field of an entity type
type FieldDef struct {
	Type      FieldType     `json:"type,omitempty" yaml:"type"`
	Required  bool          `json:"required,omitempty" yaml:"required"`
	MinLength *int          `json:"min_length,omitempty" yaml:"min_length"`
	MaxLength *int          `json:"max_length,omitempty" yaml:"max_length"`
	Min       *float64      `json:"min,omitempty" yaml:"min"`
	Max       *float64      `json:"max,omitempty" yaml:"max"`
	Pattern   string        `json:"pattern,omitempty" yaml:"pattern"`
	Enum      []interface{} `json:"enum,omitempty" yaml:"enum"`
}

// Schema is the set of field definitions for one entity type. Validation
// runs the exported JSON Schema document through a compiled validator.
type Schema struct {
	Fields map[string]FieldDef `json:"fields" yaml:"fields"`

	// AllowUnknown accepts fields that have no definition
	AllowUnknown bool `json:"allow_unknown,omitempty" yaml:"allow_unknown"`

	validator *jsv.Schema
}

// IntPtr and FloatPtr help build FieldDefs inline
func IntPtr(v int) *int { return &v }

// FloatPtr returns a pointer to v
func FloatPtr(v float64) *float64 { return &v }

const schemaResource = "durastore://entity.json"

// compile checks the bounds and compiles the JSON Schema document
func (s *Schema) compile() error {
	v, err := s.build()
	if err != nil {
		return err
	}
	s.validator = v
	return nil
}

func (s *Schema) build() (*jsv.Schema, error) {
	for name, def := range s.Fields {
		if def.MinLength != nil && def.MaxLength != nil && *def.MinLength > *def.MaxLength {
			return nil, fmt.Errorf("field %q: min length exceeds max length", name)
		}
		if def.Min != nil && def.Max != nil && *def.Min > *def.Max {
			return nil, fmt.Errorf("field %q: min exceeds max", name)
		}
	}

	encoded, err := json.Marshal(s.JSONSchema())
	if err != nil {
		return nil, fmt.Errorf("encode json schema: %w", err)
	}
	doc, err := jsv.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode json schema: %w", err)
	}

	c := jsv.NewCompiler()
	if err := c.AddResource(schemaResource, doc); err != nil {
		return nil, err
	}
	return c.Compile(schemaResource)
}

// Validate checks data against the schema and returns at most one
// violation per field, sorted by field name. A null value counts as
// missing.
func (s *Schema) Validate(data Fields) []errors.FieldError {
	validator := s.validator
	if validator == nil {
		var err error
		if validator, err = s.build(); err != nil {
			return []errors.FieldError{{Rule: "schema", Message: err.Error()}}
		}
	}

	present := make(Fields, len(data))
	for k, v := range data {
		if v != nil {
			present[k] = v
		}
	}
	encoded, err := json.Marshal(present)
	if err != nil {
		return []errors.FieldError{{Rule: "encoding", Message: err.Error()}}
	}
	instance, err := jsv.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return []errors.FieldError{{Rule: "encoding", Message: err.Error()}}
	}

	err = validator.Validate(instance)
	if err == nil {
		return nil
	}
	verr, ok := err.(*jsv.ValidationError)
	if !ok {
		return []errors.FieldError{{Rule: "schema", Message: err.Error()}}
	}

	byField := make(map[string]errors.FieldError)
	s.collect(verr, byField)

	violations := make([]errors.FieldError, 0, len(byField))
	for _, fe := range byField {
		violations = append(violations, fe)
	}
	sort.Slice(violations, func(i, j int) bool { return violations[i].Field < violations[j].Field })
	return violations
}

// rulePrecedence decides which violation a field reports when several apply
var rulePrecedence = map[string]int{"required": 0, "unknown": 1, "type": 2}

// collect walks the validation tree and keeps one violation per field
func (s *Schema) collect(verr *jsv.ValidationError, byField map[string]errors.FieldError) {
	for _, cause := range verr.Causes {
		s.collect(cause, byField)
	}
	if len(verr.Causes) > 0 {
		return
	}

	keep := func(fe errors.FieldError) {
		prev, seen := byField[fe.Field]
		if !seen || rank(fe.Rule) < rank(prev.Rule) {
			byField[fe.Field] = fe
		}
	}

	switch k := verr.ErrorKind.(type) {
	case *kind.Required:
		for _, name := range k.Missing {
			keep(errors.FieldError{Field: name, Rule: "required", Message: "is required"})
		}
		return
	case *kind.AdditionalProperties:
		for _, name := range k.Properties {
			keep(errors.FieldError{Field: name, Rule: "unknown", Message: "is not defined by the schema"})
		}
		return
	}

	if len(verr.InstanceLocation) == 0 {
		keep(errors.FieldError{Rule: "schema", Message: verr.Error()})
		return
	}
	name := verr.InstanceLocation[0]
	def := s.Fields[name]
	fe := errors.FieldError{Field: name}

	switch verr.ErrorKind.(type) {
	case *kind.Type:
		fe.Rule, fe.Message = "type", fmt.Sprintf("must be of type %s", def.Type)
	case *kind.MinLength:
		fe.Rule, fe.Message = "min_length", fmt.Sprintf("must be at least %d characters", *def.MinLength)
	case *kind.MaxLength:
		fe.Rule, fe.Message = "max_length", fmt.Sprintf("must be at most %d characters", *def.MaxLength)
	case *kind.MinItems:
		fe.Rule, fe.Message = "min_length", fmt.Sprintf("must have at least %d items", *def.MinLength)
	case *kind.MaxItems:
		fe.Rule, fe.Message = "max_length", fmt.Sprintf("must have at most %d items", *def.MaxLength)
	case *kind.Minimum:
		fe.Rule, fe.Message = "min", fmt.Sprintf("must be >= %v", *def.Min)
	case *kind.Maximum:
		fe.Rule, fe.Message = "max", fmt.Sprintf("must be <= %v", *def.Max)
	case *kind.Pattern:
		fe.Rule, fe.Message = "pattern", fmt.Sprintf("must match %s", def.Pattern)
	case *kind.Enum:
		fe.Rule, fe.Message = "enum", fmt.Sprintf("must be one of %v", def.Enum)
	default:
		path := verr.ErrorKind.KeywordPath()
		fe.Rule = "schema"
		if len(path) > 0 {
			fe.Rule = path[len(path)-1]
		}
		fe.Message = verr.Error()
	}
	keep(fe)
}

func rank(rule string) int {
	if r, ok := rulePrecedence[rule]; ok {
		return r
	}
	return len(rulePrecedence)
}

// JSONSchema exports the schema as a JSON Schema document
func (s *Schema) JSONSchema() *jsonschema.Schema {
	out := &jsonschema.Schema{
		Type:       "object",
		Properties: jsonschema.NewProperties(),
	}

	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		def := s.Fields[name]
		prop := &jsonschema.Schema{
			Type:    string(def.Type),
			Pattern: def.Pattern,
			Enum:    def.Enum,
		}
		if def.MinLength != nil {
			n := uint64(*def.MinLength)
			if def.Type == TypeArray {
				prop.MinItems = &n
			} else {
				prop.MinLength = &n
			}
		}
		if def.MaxLength != nil {
			n := uint64(*def.MaxLength)
			if def.Type == TypeArray {
				prop.MaxItems = &n
			} else {
				prop.MaxLength = &n
			}
		}
		if def.Min != nil {
			prop.Minimum = json.Number(strconv.FormatFloat(*def.Min, 'f', -1, 64))
		}
		if def.Max != nil {
			prop.Maximum = json.Number(strconv.FormatFloat(*def.Max, 'f', -1, 64))
		}
		out.Properties.Set(name, prop)
		if def.Required {
			out.Required = append(out.Required, name)
		}
	}
	if s.AllowUnknown {
		out.AdditionalProperties = jsonschema.TrueSchema
	} else {
		out.AdditionalProperties = jsonschema.FalseSchema
	}
	return out
}

// SchemaFromStruct derives a schema from a Go struct. Field names follow
// json tags; fields without omitempty are required; limits come from
// jsonschema tags such as `jsonschema:"minLength=1,maximum=150"`.
func SchemaFromStruct(v interface{}) (*Schema, error) {
	t := reflect.TypeOf(v)
	if t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("schema source must be a struct or pointer to struct, got %T", v)
	}

	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	return FromJSONSchema(r.ReflectFromType(t))
}

// FromJSONSchema converts the top-level properties of a JSON Schema object
func FromJSONSchema(js *jsonschema.Schema) (*Schema, error) {
	if js == nil || js.Properties == nil {
		return nil, fmt.Errorf("json schema has no properties")
	}

	required := make(map[string]bool, len(js.Required))
	for _, name := range js.Required {
		required[name] = true
	}

	s := &Schema{
		Fields:       make(map[string]FieldDef),
		AllowUnknown: js.AdditionalProperties == jsonschema.TrueSchema,
	}
	for pair := js.Properties.Oldest(); pair != nil; pair = pair.Next() {
		prop := pair.Value
		def := FieldDef{
			Type:     FieldType(prop.Type),
			Required: required[pair.Key],
			Pattern:  prop.Pattern,
			Enum:     prop.Enum,
		}
		if prop.MinLength != nil {
			def.MinLength = IntPtr(int(*prop.MinLength))
		}
		if prop.MaxLength != nil {
			def.MaxLength = IntPtr(int(*prop.MaxLength))
		}
		if prop.MinItems != nil {
			def.MinLength = IntPtr(int(*prop.MinItems))
		}
		if prop.MaxItems != nil {
			def.MaxLength = IntPtr(int(*prop.MaxItems))
		}
		if prop.Minimum != "" {
			f, err := prop.Minimum.Float64()
			if err != nil {
				return nil, fmt.Errorf("field %q: invalid minimum: %w", pair.Key, err)
			}
			def.Min = FloatPtr(f)
		}
		if prop.Maximum != "" {
			f, err := prop.Maximum.Float64()
			if err != nil {
				return nil, fmt.Errorf("field %q: invalid maximum: %w", pair.Key, err)
			}
			def.Max = FloatPtr(f)
		}
		s.Fields[pair.Key] = def
	}
	return s, nil
}

// Registry maps entity types to schemas
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

// Register installs schema for entityType, replacing any previous one
func (r *Registry) Register(entityType string, schema *Schema) error {
	if entityType == "" {
		return errors.NewError(errors.ErrCodeValidationFailed, "entity type is required").
			WithComponent("schema")
	}
	if schema == nil {
		return errors.NewError(errors.ErrCodeValidationFailed, "schema is required").
			WithComponent("schema").WithContext("entity_type", entityType)
	}

	compiled := &Schema{Fields: make(map[string]FieldDef, len(schema.Fields)), AllowUnknown: schema.AllowUnknown}
	for k, v := range schema.Fields {
		compiled.Fields[k] = v
	}
	if err := compiled.compile(); err != nil {
		return errors.NewError(errors.ErrCodeValidationFailed, "invalid schema").
			WithComponent("schema").WithContext("entity_type", entityType).WithCause(err)
	}

	r.mu.Lock()
	r.schemas[entityType] = compiled
	r.mu.Unlock()
	return nil
}

// Get returns the schema for entityType
func (r *Registry) Get(entityType string) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[entityType]
	return s, ok
}

// Types lists registered entity types
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Validate checks data against the schema of entityType. Unregistered
// types pass.
func (r *Registry) Validate(entityType string, data Fields) error {
	schema, ok := r.Get(entityType)
	if !ok {
		return nil
	}
	if violations := schema.Validate(data); len(violations) > 0 {
		return errors.NewValidationError(entityType, violations).WithComponent("schema")
	}
	return nil
}
