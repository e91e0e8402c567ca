package redact

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyRedactsSecret(t *testing.T) {
	assert.Equal(t, "sk-abc", Key("sk-abc.supersecret"))
	assert.NotContains(t, Key("sk-abc.supersecret"), "supersecret")
}

func TestKeyWithoutSeparator(t *testing.T) {
	assert.Equal(t, "***", Key("nodotatall"))
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	sig := Sign("secret", "1700000000", `{"a":1}`)
	assert.True(t, VerifySignature("secret", "1700000000", `{"a":1}`, sig))
	assert.False(t, VerifySignature("wrong", "1700000000", `{"a":1}`, sig))
}
