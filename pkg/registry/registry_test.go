package registry_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/periscope-ps/peri-client-scripts/pkg/registry"
)

func TestNew_SortsEndpoints(t *testing.T) {
	t.Parallel()
	r, err := registry.New(map[string]string{
		"urn:b": "http://b.example.net/am",
		"urn:a": "https://a.example.net:12346",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []string{"urn:a", "urn:b"}, r.IDs())

	eps := r.Endpoints()
	assert.Equal(t, registry.Endpoint{ID: "urn:a", Location: "https://a.example.net:12346"}, eps[0])
}

func TestNew_Empty(t *testing.T) {
	t.Parallel()
	_, err := registry.New(nil)
	require.ErrorIs(t, err, registry.ErrEmpty)

	_, err = registry.New(map[string]string{})
	require.ErrorIs(t, err, registry.ErrEmpty)
}

func TestNew_ReportsAllInvalidEntries(t *testing.T) {
	t.Parallel()
	_, err := registry.New(map[string]string{
		"urn:ok":       "http://ok.example.net",
		"urn:relative": "/just/a/path",
		"urn:blank":    "  ",
	})
	require.Error(t, err)

	var verrs registry.ValidationErrors
	require.True(t, errors.As(err, &verrs))
	require.Len(t, verrs, 2)
	assert.Equal(t, "urn:blank", verrs[0].ID)
	assert.Equal(t, "urn:relative", verrs[1].ID)
	assert.Contains(t, err.Error(), "2 errors")
}

func TestNew_TrimsWhitespace(t *testing.T) {
	t.Parallel()
	r, err := registry.New(map[string]string{" urn:x ": " http://x.example.net "})
	require.NoError(t, err)
	ep, ok := r.Lookup("urn:x")
	require.True(t, ok)
	assert.Equal(t, "http://x.example.net", ep.Location)
}

func TestEndpointsIsACopy(t *testing.T) {
	t.Parallel()
	r, err := registry.New(map[string]string{"urn:x": "http://x.example.net"})
	require.NoError(t, err)
	eps := r.Endpoints()
	eps[0].Location = "mutated"
	ep, _ := r.Lookup("urn:x")
	assert.Equal(t, "http://x.example.net", ep.Location)
}

func TestLookupMissing(t *testing.T) {
	t.Parallel()
	r, err := registry.New(map[string]string{"urn:x": "http://x.example.net"})
	require.NoError(t, err)
	_, ok := r.Lookup("urn:y")
	assert.False(t, ok)
}
