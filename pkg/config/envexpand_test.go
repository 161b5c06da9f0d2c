package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("APPLYD_TEST_TOKEN", "xoxb-123")

	out := ExpandEnv([]byte("token: {{.APPLYD_TEST_TOKEN}}"))
	assert.Equal(t, "token: xoxb-123", string(out))
}

func TestExpandEnvMissingVariable(t *testing.T) {
	out := ExpandEnv([]byte("value: '{{.APPLYD_DEFINITELY_UNSET}}'"))
	assert.Equal(t, "value: ''", string(out))
}

func TestExpandEnvDollarSignsUntouched(t *testing.T) {
	in := []byte("password: p$ssw0rd$HOME")
	assert.Equal(t, in, ExpandEnv(in))
}

func TestExpandEnvMalformedTemplatePassesThrough(t *testing.T) {
	in := []byte("broken: {{.unterminated")
	assert.Equal(t, in, ExpandEnv(in))
}
