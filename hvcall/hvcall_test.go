package hvcall

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeValid(t *testing.T) {
	assert.True(t, PublishChannel.Valid())
	assert.True(t, Probe.Valid())
	assert.False(t, Code(0xdead).Valid())

	assert.Equal(t, "publishChannel", PublishChannel.Name())
	assert.Equal(t, "unEstablishConsoleConnection", UnEstablishConsoleConnection.Name())
	assert.Equal(t, "unknown", Code(0xdead).Name())
}

func TestRequestEncodeParse(t *testing.T) {
	r := Request{
		Code: SubscribeChannel,
		Args: [NumArgs]uint64{3, 0x10, 0x1000, 0x1008, 0, 0},
	}

	b, err := r.Encode(make([]byte, Len))
	require.NoError(t, err)
	require.Len(t, b, Len)

	var got Request
	require.NoError(t, got.Parse(b))
	assert.Equal(t, r, got)

	assert.ErrorIs(t, got.Parse(b[:Len-1]), ErrFrameTooShort)
}

func TestRequestString(t *testing.T) {
	var r *Request
	assert.Equal(t, "<nil>", r.String())

	r = &Request{Code: SendIPI, Args: [NumArgs]uint64{0, 2, 0, 48, 0, 0}}
	assert.Contains(t, r.String(), "sendIPI")
}

func TestResultFor(t *testing.T) {
	assert.Equal(t, OK, ResultFor(nil))
	assert.Equal(t, ResInvalidInput, ResultFor(ErrInvalidInput))
	assert.Equal(t, ResNoMemory, ResultFor(fmt.Errorf("allocating buffer: %w", ErrNoMemory)))
	assert.Equal(t, ResNotFound, ResultFor(fmt.Errorf("channel %#x: %w", 0x10, ErrNotFound)))
	assert.Equal(t, ResUnsupported, ResultFor(ErrUnsupported))
	assert.Equal(t, ResBadMapping, ResultFor(errors.New("page table update refused")))
}

func TestResultName(t *testing.T) {
	assert.Equal(t, "ok", OK.Name())
	assert.Equal(t, "noMemory", ResNoMemory.Name())
	assert.Equal(t, "unknown", Result(-1000).Name())
}
