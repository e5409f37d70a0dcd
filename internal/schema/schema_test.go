package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cityList() *Schema {
	return Array("A list of cities", Object("", []string{"name"},
		Prop("name", String("The city name")),
		Prop("population", Integer("")),
		Prop("kind", &Schema{Type: "string", Enum: []any{"capital", "town"}}),
	))
}

func TestToTypeScript(t *testing.T) {
	t.Run("object with optional fields", func(t *testing.T) {
		s := Object("A person", []string{"name"},
			Prop("name", String("Full name")),
			Prop("age", Number("")),
			Prop("tags", Array("", String(""))),
		)
		want := "// A person\n" +
			"type Person = {\n" +
			"  // Full name\n" +
			"  name: string,\n" +
			"  age?: number,\n" +
			"  tags?: string[],\n" +
			"}"
		assert.Equal(t, want, ToTypeScript(s, "Person"))
	})

	t.Run("array of objects with enum", func(t *testing.T) {
		want := "// A list of cities\n" +
			"type CITY_SCHEMA = Array<{\n" +
			"  // The city name\n" +
			"  name: string,\n" +
			"  population?: number,\n" +
			"  kind?: \"capital\" | \"town\",\n" +
			"}>"
		assert.Equal(t, want, ToTypeScript(cityList(), "CITY_SCHEMA"))
	})

	t.Run("non identifier name", func(t *testing.T) {
		assert.Equal(t, "type CitySchema = string", ToTypeScript(String(""), "city-schema"))
	})

	t.Run("nil schema", func(t *testing.T) {
		assert.Equal(t, "type X = any", ToTypeScript(nil, "X"))
	})

	t.Run("union", func(t *testing.T) {
		s := &Schema{AnyOf: []*Schema{String(""), {Type: "null"}}}
		assert.Equal(t, "type U = string | null", ToTypeScript(s, "U"))
	})
}

func TestToYAML(t *testing.T) {
	s := Object("", []string{"q"}, Prop("q", String("Search query.")))
	out, err := ToYAML(s)
	require.NoError(t, err)
	want := "properties:\n" +
		"  q:\n" +
		"    type: string\n" +
		"    description: Search query.\n" +
		"type: object\n" +
		"required:\n" +
		"  - q"
	assert.Equal(t, want, out)
}

func TestStringify(t *testing.T) {
	s := Object("", nil, Prop("a", Boolean("")))

	ts, err := Stringify("Flags", s, "")
	require.NoError(t, err)
	assert.Contains(t, ts, "type Flags = {")

	js, err := Stringify("Flags", s, JSON)
	require.NoError(t, err)
	assert.Contains(t, js, `"type": "object"`)

	_, err = Stringify("Flags", s, "xml")
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

type searchArgs struct {
	Query string `json:"q" jsonschema:"description=Search query."`
	Limit int    `json:"limit,omitempty"`
}

func TestReflect(t *testing.T) {
	s := Reflect(&searchArgs{})
	require.NotNil(t, s.Properties)
	q, ok := s.Properties.Get("q")
	require.True(t, ok)
	assert.Equal(t, "string", q.Type)
	assert.Equal(t, "Search query.", q.Description)
	assert.Contains(t, s.Required, "q")
	assert.NotContains(t, s.Required, "limit")
	assert.Empty(t, s.Version)
}
