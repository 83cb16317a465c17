package stream

import (
	"testing"

	"github.com/illmade-knight/go-streambatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameOf(payload string) types.Frame {
	return types.Frame{ID: "7", Source: "prices", Payload: []byte(payload)}
}

func TestJSONDecoder(t *testing.T) {
	dec := JSONDecoder[reading]()

	r, err := dec(frameOf(`{"v":42}`))
	require.NoError(t, err)
	assert.Equal(t, 42, r.V)

	_, err = dec(frameOf(`{"v":"x"}`))
	assert.Error(t, err)
}

func TestDecodeError(t *testing.T) {
	err := &DecodeError{FrameID: "7", Source: "prices", Err: assert.AnError}
	assert.Equal(t, `failed to decode frame 7 from "prices": `+assert.AnError.Error(), err.Error())
	assert.ErrorIs(t, err, assert.AnError)

	err = &DecodeError{Source: "prices", Err: assert.AnError}
	assert.Equal(t, `failed to decode frame from "prices": `+assert.AnError.Error(), err.Error())
}
