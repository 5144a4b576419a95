package validator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Name         string        `configKey:"name" validate:"required"`
	Retries      int           `configKey:"retries" validate:"min=1"`
	Timeout      time.Duration `configKey:"timeout" validate:"required"`
	Nested       testNested    `configKey:"nested"`
	Topics       []string      `configKey:"topics" validate:"dive,topic"`
	NoKey        string        `validate:"required"`
	Ignored      string        `configKey:"-" validate:"required"`
	testEmbedded               // anonymous
}

type testNested struct {
	Endpoint string `configKey:"endpoint" validate:"required"`
}

type testEmbedded struct {
	Embedded string `configKey:"embedded" validate:"required"`
}

func TestValidateStruct(t *testing.T) {
	t.Parallel()
	err := New().Validate(context.Background(), testConfig{Topics: []string{"ok", "-bad"}})
	expected := `
- "name" is a required field
- "retries" must be 1 or greater
- "timeout" is a required field
- "nested.endpoint" is a required field
- "topics[1]" is not a valid topic name, it must match ^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$
- "NoKey" is a required field
- "Ignored" is a required field
- "embedded" is a required field
`
	require.Error(t, err)
	assert.Equal(t, strings.TrimSpace(expected), err.Error())
}

func TestValidateStruct_Valid(t *testing.T) {
	t.Parallel()
	cfg := testConfig{
		Name:         "foo",
		Retries:      3,
		Timeout:      time.Second,
		Nested:       testNested{Endpoint: "localhost"},
		Topics:       []string{"orders", "my.topic_1"},
		NoKey:        "x",
		Ignored:      "x",
		testEmbedded: testEmbedded{Embedded: "x"},
	}
	require.NoError(t, New().Validate(context.Background(), cfg))
	require.NoError(t, New().Validate(context.Background(), &cfg))
}

func TestValidateStruct_NotStruct(t *testing.T) {
	t.Parallel()
	err := New().Validate(context.Background(), "foo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot validate")
}

func TestValidateValue(t *testing.T) {
	t.Parallel()
	err := New().ValidateValue("", "required")
	require.Error(t, err)
	assert.Equal(t, `is a required field`, err.Error())
}

func TestValidateValueAddNamespace(t *testing.T) {
	t.Parallel()
	err := New().ValidateCtx(context.Background(), "", "required", "my.value")
	require.Error(t, err)
	assert.Equal(t, `"my.value" is a required field`, err.Error())
}

func TestValidateErrorMsgFunc(t *testing.T) {
	t.Parallel()
	rule := Rule{
		Tag: "my_rule",
		Func: func(fl validator.FieldLevel) bool {
			return false
		},
		ErrorMsgFunc: func(fe validator.FieldError) string {
			if fe.Value() == "foo" {
				return "error message for foo"
			}
			return "other error message"
		},
	}

	err := New(rule).ValidateCtx(context.Background(), "foo", "my_rule", "my.value")
	require.Error(t, err)
	assert.Equal(t, `"my.value" error message for foo`, err.Error())

	err = New(rule).ValidateCtx(context.Background(), "other", "my_rule", "my.value")
	require.Error(t, err)
	assert.Equal(t, `"my.value" other error message`, err.Error())
}

func TestValidatorRequiredNotEmpty(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	v := New()

	// String
	require.NoError(t, v.ValidateCtx(ctx, `value`, `required_not_empty`, `some_field`))
	err := v.ValidateCtx(ctx, ``, `required_not_empty`, `some_field`)
	require.Error(t, err)
	assert.Equal(t, `"some_field" is a required field`, err.Error())

	// Slice
	require.NoError(t, v.ValidateCtx(ctx, []int{1, 2, 3}, `required_not_empty`, `some_field`))
	err = v.ValidateCtx(ctx, []int{}, `required_not_empty`, `some_field`)
	require.Error(t, err)
	assert.Equal(t, `"some_field" is a required field`, err.Error())
}

func TestValidatorTopic(t *testing.T) {
	t.Parallel()
	cases := []struct {
		value string
		valid bool
	}{
		{"orders", true},
		{"Orders.v2", true},
		{"a", true},
		{"0-topic_x", true},
		{"", false},
		{".hidden", false},
		{"with space", false},
		{"slash/topic", false},
		{strings.Repeat("a", 128), true},
		{strings.Repeat("a", 129), false},
	}

	v := New()
	for i, c := range cases {
		err := v.ValidateCtx(context.Background(), c.value, `topic`, `topic`)
		if c.valid {
			require.NoError(t, err, `case: %d`, i+1)
		} else {
			require.Error(t, err, `case: %d`, i+1)
		}
	}
}
