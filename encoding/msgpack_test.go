package encoding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wireProbe struct {
	Node string `msgpack:"node"`
	Box  uint64 `msgpack:"box"`
	Data []byte `msgpack:"data"`
}

func TestMarshalUnmarshalStruct(t *testing.T) {
	in := wireProbe{Node: "node-a", Box: 7, Data: []byte{0x00, 0xff, 0x01}}

	data, err := Marshal(in)
	require.NoError(t, err)

	var out wireProbe
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestUnmarshalLooseStrings(t *testing.T) {
	data, err := Marshal(map[string]interface{}{"name": "alice"})
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, Unmarshal(data, &out))

	// Strings must come back as strings, not []byte
	_, ok := out["name"].(string)
	assert.True(t, ok, "expected string, got %T", out["name"])
}

func TestUnmarshalError(t *testing.T) {
	var out wireProbe
	assert.Error(t, Unmarshal([]byte{0xc1}, &out))
}
