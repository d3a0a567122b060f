package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalSortsKeys(t *testing.T) {
	out, err := Canonical(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, string(out))
}

func TestCanonicalNoHTMLEscaping(t *testing.T) {
	out, err := Canonical(map[string]string{"cmd": "a<b>&c"})
	require.NoError(t, err)
	assert.Equal(t, `{"cmd":"a<b>&c"}`, string(out))
}

func TestCanonicalHashDeterministic(t *testing.T) {
	type spec struct {
		Tool   string   `json:"tool"`
		Args   []string `json:"args"`
		Target string   `json:"target"`
	}
	a := spec{Tool: "nmap", Args: []string{"-sV"}, Target: "app.example.com"}

	h1, err := CanonicalHash(a)
	require.NoError(t, err)
	h2, err := CanonicalHash(a)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestCanonicalHashSensitiveToContent(t *testing.T) {
	h1, err := CanonicalHash(map[string]string{"target": "app.example.com"})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]string{"target": "app.example.com "})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}
