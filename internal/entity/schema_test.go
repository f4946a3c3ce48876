package entity

import (
	"testing"

	"github.com/invopop/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durastore/durastore/pkg/errors"
)

func profileSchema() *Schema {
	return &Schema{Fields: map[string]FieldDef{
		"name":  {Type: TypeString, Required: true, MinLength: IntPtr(1), MaxLength: IntPtr(10)},
		"age":   {Type: TypeInteger, Min: FloatPtr(0), Max: FloatPtr(150)},
		"email": {Type: TypeString, Pattern: `^[^@\s]+@[^@\s]+$`},
		"role":  {Type: TypeString, Enum: []interface{}{"admin", "user"}},
		"tags":  {Type: TypeArray, MaxLength: IntPtr(2)},
		"prefs": {Type: TypeObject},
		"admin": {Type: TypeBoolean},
	}}
}

func TestSchemaValidate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("profile", profileSchema()))
	schema, ok := r.Get("profile")
	require.True(t, ok)

	tests := []struct {
		name      string
		data      Fields
		wantField string
		wantRule  string
	}{
		{"valid", Fields{"name": "Ada", "age": float64(36), "email": "ada@example.com", "role": "admin",
			"tags": []interface{}{"x"}, "prefs": map[string]interface{}{}, "admin": true}, "", ""},
		{"missing required", Fields{"age": float64(3)}, "name", "required"},
		{"null required", Fields{"name": nil}, "name", "required"},
		{"empty string", Fields{"name": ""}, "name", "min_length"},
		{"too long", Fields{"name": "abcdefghijk"}, "name", "max_length"},
		{"below min", Fields{"name": "a", "age": float64(-1)}, "age", "min"},
		{"above max", Fields{"name": "a", "age": float64(151)}, "age", "max"},
		{"fractional integer", Fields{"name": "a", "age": 1.5}, "age", "type"},
		{"wrong type", Fields{"name": "a", "age": "old"}, "age", "type"},
		{"pattern", Fields{"name": "a", "email": "nope"}, "email", "pattern"},
		{"enum", Fields{"name": "a", "role": "root"}, "role", "enum"},
		{"array too long", Fields{"name": "a", "tags": []interface{}{"x", "y", "z"}}, "tags", "max_length"},
		{"object type", Fields{"name": "a", "prefs": "dark"}, "prefs", "type"},
		{"unknown field", Fields{"name": "a", "nickname": "b"}, "nickname", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			violations := schema.Validate(tt.data)
			if tt.wantField == "" {
				assert.Empty(t, violations)
				return
			}
			require.Len(t, violations, 1, "%+v", violations)
			assert.Equal(t, tt.wantField, violations[0].Field)
			assert.Equal(t, tt.wantRule, violations[0].Rule)
		})
	}
}

func TestSchemaAllowUnknown(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("note", &Schema{
		Fields:       map[string]FieldDef{"title": {Type: TypeString}},
		AllowUnknown: true,
	}))
	assert.NoError(t, r.Validate("note", Fields{"title": "x", "extra": float64(1)}))
}

func TestRegistryValidate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("profile", profileSchema()))

	err := r.Validate("profile", Fields{"age": float64(200), "nickname": "x"})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeSchemaValidation))

	de, ok := err.(*errors.DurableError)
	require.True(t, ok)
	fields := make([]string, 0, len(de.Fields))
	for _, fe := range de.Fields {
		fields = append(fields, fe.Field)
	}
	assert.Equal(t, []string{"age", "name", "nickname"}, fields)

	assert.NoError(t, r.Validate("unregistered", Fields{"anything": true}))
	assert.Equal(t, []string{"profile"}, r.Types())
}

func TestRegistryRejectsBadSchemas(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		name       string
		entityType string
		schema     *Schema
	}{
		{"empty type", "", profileSchema()},
		{"nil schema", "x", nil},
		{"bad pattern", "x", &Schema{Fields: map[string]FieldDef{"a": {Pattern: "("}}}},
		{"inverted length", "x", &Schema{Fields: map[string]FieldDef{"a": {MinLength: IntPtr(3), MaxLength: IntPtr(1)}}}},
		{"inverted range", "x", &Schema{Fields: map[string]FieldDef{"a": {Min: FloatPtr(3), Max: FloatPtr(1)}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(tt.entityType, tt.schema)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.ErrCodeValidationFailed))
		})
	}
}

func TestRegisterCopiesSchema(t *testing.T) {
	r := NewRegistry()
	s := &Schema{Fields: map[string]FieldDef{"a": {Type: TypeString}}}
	require.NoError(t, r.Register("x", s))

	s.Fields["b"] = FieldDef{Required: true}
	assert.NoError(t, r.Validate("x", Fields{"a": "ok"}))
}

func TestEnumNormalizesNumbers(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("x", &Schema{Fields: map[string]FieldDef{
		"level": {Type: TypeInteger, Enum: []interface{}{1, 2, 3}},
	}}))

	assert.NoError(t, r.Validate("x", Fields{"level": float64(2)}))
	assert.Error(t, r.Validate("x", Fields{"level": float64(4)}))
}

type reflectedProfile struct {
	Name string   `json:"name" jsonschema:"minLength=1,maxLength=20"`
	Age  int      `json:"age,omitempty" jsonschema:"minimum=0,maximum=150"`
	Role string   `json:"role,omitempty" jsonschema:"enum=admin,enum=user"`
	Tags []string `json:"tags,omitempty" jsonschema:"maxItems=5"`
}

func TestSchemaFromStruct(t *testing.T) {
	s, err := SchemaFromStruct(&reflectedProfile{})
	require.NoError(t, err)

	name := s.Fields["name"]
	assert.Equal(t, TypeString, name.Type)
	assert.True(t, name.Required)
	require.NotNil(t, name.MinLength)
	require.NotNil(t, name.MaxLength)
	assert.Equal(t, 1, *name.MinLength)
	assert.Equal(t, 20, *name.MaxLength)

	age := s.Fields["age"]
	assert.Equal(t, TypeInteger, age.Type)
	assert.False(t, age.Required)
	require.NotNil(t, age.Min)
	require.NotNil(t, age.Max)
	assert.Equal(t, 0.0, *age.Min)
	assert.Equal(t, 150.0, *age.Max)

	assert.Len(t, s.Fields["role"].Enum, 2)
	require.NotNil(t, s.Fields["tags"].MaxLength)
	assert.Equal(t, 5, *s.Fields["tags"].MaxLength)

	r := NewRegistry()
	require.NoError(t, r.Register("profile", s))
	assert.NoError(t, r.Validate("profile", Fields{"name": "Ada", "age": float64(36), "role": "user"}))
	assert.Error(t, r.Validate("profile", Fields{"name": "Ada", "role": "root"}))

	_, err = SchemaFromStruct(42)
	assert.Error(t, err)
}

func TestSchemaJSONSchemaExport(t *testing.T) {
	js := profileSchema().JSONSchema()

	assert.Equal(t, "object", js.Type)
	assert.Equal(t, []string{"name"}, js.Required)

	name, ok := js.Properties.Get("name")
	require.True(t, ok)
	require.NotNil(t, name.MinLength)
	assert.Equal(t, uint64(1), *name.MinLength)

	tags, ok := js.Properties.Get("tags")
	require.True(t, ok)
	require.NotNil(t, tags.MaxItems)
	assert.Equal(t, uint64(2), *tags.MaxItems)

	back, err := FromJSONSchema(js)
	require.NoError(t, err)
	assert.Equal(t, *profileSchema().Fields["age"].Max, *back.Fields["age"].Max)
	assert.True(t, back.Fields["name"].Required)
}

func TestSchemaValidatesAgainstExportedDocument(t *testing.T) {
	s := profileSchema()
	js := s.JSONSchema()
	assert.Equal(t, jsonschema.FalseSchema, js.AdditionalProperties)

	// an unregistered schema compiles on demand
	violations := s.Validate(Fields{"name": "abcdefghijk", "age": 1.5, "role": "root", "extra": true})
	got := make(map[string]string, len(violations))
	for _, fe := range violations {
		got[fe.Field] = fe.Rule
	}
	assert.Equal(t, map[string]string{
		"name":  "max_length",
		"age":   "type",
		"role":  "enum",
		"extra": "unknown",
	}, got)

	open := &Schema{Fields: map[string]FieldDef{"a": {Type: TypeString}}, AllowUnknown: true}
	back, err := FromJSONSchema(open.JSONSchema())
	require.NoError(t, err)
	assert.True(t, back.AllowUnknown)
	assert.Empty(t, back.Validate(Fields{"a": "x", "b": float64(1)}))
}

func TestRegistryRejectsUnencodableEnum(t *testing.T) {
	r := NewRegistry()
	err := r.Register("x", &Schema{Fields: map[string]FieldDef{
		"a": {Enum: []interface{}{make(chan int)}},
	}})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidationFailed))
}
