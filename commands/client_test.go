package commands

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVarFlags(t *testing.T) {
	vars, err := parseVarFlags([]string{"x=21", "name=acme", "ok=true", "rate=0.5"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"x":    int64(21),
		"name": "acme",
		"ok":   true,
		"rate": 0.5,
	}, vars)

	_, err = parseVarFlags([]string{"novalue"})
	assert.Error(t, err)

	vars, err = parseVarFlags(nil)
	require.NoError(t, err)
	assert.Nil(t, vars)
}

func TestAPIClientErrorBodies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ops", r.Header.Get("X-Actor"))
		http.Error(w, "instance not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := newAPIClient(srv.URL+"/", "ops")
	err := c.get("/instances/nope", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "instance not found")
}

func TestAPIClientDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"abc"}`))
	}))
	defer srv.Close()

	var out map[string]string
	c := newAPIClient(srv.URL, "")
	require.NoError(t, c.post("/definitions", map[string]string{"name": "x"}, &out))
	assert.Equal(t, "abc", out["id"])
}
