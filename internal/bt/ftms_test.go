package bt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeTargetPower_Clamps(t *testing.T) {
	assert.Equal(t, []byte{0x05, 0xFA, 0x00}, EncodeTargetPower(250))
	assert.Equal(t, []byte{0x05, 25, 0x00}, EncodeTargetPower(10))
	assert.Equal(t, []byte{0x05, 0xD0, 0x07}, EncodeTargetPower(5000))
}

func TestEncodeSimulation(t *testing.T) {
	assert.Equal(t, []byte{0x11, 0, 0, 0xF4, 0x01, 40, 51}, EncodeSimulation(5))
	assert.Equal(t, []byte{0x11, 0, 0, 0x06, 0xFF, 40, 51}, EncodeSimulation(-2.5))
}

func TestParseControlPointResponse(t *testing.T) {
	r, err := ParseControlPointResponse([]byte{0x80, 0x00, 0x01})
	require.NoError(t, err)
	assert.True(t, r.Success())
	assert.Equal(t, "Request Control -> Success", r.String())

	r, err = ParseControlPointResponse([]byte{0x80, 0x05, 0x05})
	require.NoError(t, err)
	assert.False(t, r.Success())
	assert.Equal(t, "Set Target Power -> Control Not Permitted", r.String())

	_, err = ParseControlPointResponse([]byte{0x80, 0x00})
	assert.Error(t, err)
	_, err = ParseControlPointResponse([]byte{0x05, 0x00, 0x01})
	assert.Error(t, err)
}
