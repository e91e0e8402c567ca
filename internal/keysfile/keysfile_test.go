package keysfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValidDocument(t *testing.T) {
	doc, err := Parse([]byte(`{"keys":["sk-a.secret1","sk-b.secret2"],"baseUrl":"https://api.example.com"}`))
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", doc.BaseURL)
	require.Len(t, doc.Keys, 2)
	assert.Equal(t, "sk-a", doc.Keys[0].KeyID)
	assert.Equal(t, "secret1", doc.Keys[0].Secret)
}

func TestParseRejectsMissingSeparator(t *testing.T) {
	_, err := Parse([]byte(`{"keys":["nodothere"],"baseUrl":"https://x"}`))
	assert.Error(t, err)
}

func TestParseRejectsEmptyKeys(t *testing.T) {
	_, err := Parse([]byte(`{"keys":[],"baseUrl":"https://x"}`))
	assert.Error(t, err)
}

func TestParseRejectsMissingBaseURL(t *testing.T) {
	_, err := Parse([]byte(`{"keys":["a.b"]}`))
	assert.Error(t, err)
}

func TestUpstreamHeaderValue(t *testing.T) {
	e := Entry{KeyID: "sk-a", Secret: "xyz"}
	assert.Equal(t, "Bearer sk-a.xyz", e.UpstreamHeaderValue())
}
