package reactor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBytesPayload(t *testing.T) {
	src := []byte("hello")
	p := BytesPayload(src)
	src[0] = 'j'

	b, ok := p.Bytes()
	assert.True(t, ok)
	assert.Equal(t, "hello", string(b))
	assert.Equal(t, PayloadBytes, p.Kind())

	p.Release()
	assert.True(t, p.Empty())
	_, ok = p.Bytes()
	assert.False(t, ok)

	// releasing twice is harmless
	p.Release()
}

func TestPayloadVariants(t *testing.T) {
	boom := errors.New("boom")

	assert.Equal(t, boom, ErrorPayload(boom).Err())
	assert.Nil(t, ValuePayload(1).Err())

	v, ok := ValuePayload(1).Value()
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = ErrorPayload(boom).Value()
	assert.False(t, ok)

	results, ok := ResultsPayload([]error{nil, boom}).Results()
	assert.True(t, ok)
	assert.Equal(t, []error{nil, boom}, results)

	assert.True(t, Payload{}.Empty())
}
