package utils

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeMsgPack_PreservesStringsInAny(t *testing.T) {
	type snapshot struct {
		Values map[string]any
	}
	in := snapshot{Values: map[string]any{"left": "l1", "n": int64(3)}}

	buf, err := EncodeMsgPack(&in)
	require.NoError(t, err)

	var out snapshot
	require.NoError(t, DecodeMsgPack(buf.Bytes(), &out))
	// a string routed through an any must stay a string, not []byte
	assert.Equal(t, "l1", out.Values["left"])
}

func TestConvertUint64Bytes_RoundTripAndOrder(t *testing.T) {
	for _, u := range []uint64{0, 1, 255, 1 << 40, 1<<64 - 1} {
		assert.Equal(t, u, ConvertBytesToUint64(ConvertUint64ToBytes(u)))
	}
	// big endian: lexicographic key order must match numeric order
	assert.Equal(t, -1, bytes.Compare(ConvertUint64ToBytes(7), ConvertUint64ToBytes(300)))
}
