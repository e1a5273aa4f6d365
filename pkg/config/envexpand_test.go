package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnvSubstitutes(t *testing.T) {
	t.Setenv("EXPAND_TEST_VALUE", "secret123")

	out := ExpandEnv([]byte("key: {{.EXPAND_TEST_VALUE}}"))
	assert.Equal(t, "key: secret123", string(out))
}

func TestExpandEnvMissingVariableIsEmpty(t *testing.T) {
	out := ExpandEnv([]byte("key: {{.DEFINITELY_NOT_SET_ANYWHERE_XYZ}}"))
	assert.Equal(t, "key: ", string(out))
}

func TestExpandEnvLeavesDollarSigns(t *testing.T) {
	in := []byte(`pattern: "\\$[A-Z_]+"`)
	out := ExpandEnv(in)
	assert.Equal(t, string(in), string(out))
}

func TestExpandEnvPassesThroughOnParseError(t *testing.T) {
	in := []byte("key: {{.unterminated")
	out := ExpandEnv(in)
	assert.Equal(t, string(in), string(out))
}

func TestExpandEnvNoTemplates(t *testing.T) {
	in := []byte("plain: yaml\nnumber: 42\n")
	out := ExpandEnv(in)
	assert.Equal(t, string(in), string(out))
}
