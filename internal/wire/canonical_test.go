package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeBytes_SortsKeys(t *testing.T) {
	in := []byte(`{"b":1,"a":2,"c":{"z":1,"y":2}}`)
	out, err := CanonicalizeBytes(in)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":{"y":2,"z":1}}`, string(out))
}

func TestCanonicalizeBytes_Idempotent(t *testing.T) {
	in := []byte(`{"b":[3,2,1],"a":"x"}`)
	once, err := CanonicalizeBytes(in)
	require.NoError(t, err)
	twice, err := CanonicalizeBytes(once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestCanonicalizeBytes_NoInsignificantWhitespace(t *testing.T) {
	in := []byte(`{
		"a" : 1,
		"b" : 2
	}`)
	out, err := CanonicalizeBytes(in)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, string(out))
}

func TestCanonical_StructField(t *testing.T) {
	cmd := DispatchCommand{JobID: "j1", PluginName: "evtx"}
	out, err := Canonical(cmd)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"job_id":"j1"`)
}
