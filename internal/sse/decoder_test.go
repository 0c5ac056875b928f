package sse

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const stream = "event: delta\n" +
	"data: {\"delta\":{\"text\":\"Bon\"}}\n\n" +
	"data: {\"delta\":{\"text\":\"jour, \"}}\r\n" +
	": keep-alive\n" +
	"data: not json at all\n" +
	"data: {\"delta\":{\"text\":\"ça va\"}}\n" +
	"data: {\"output_text\":[\" \",\"bien\"]}\n" +
	"data: {broken json\n" +
	"data: [DONE]\n" +
	"data: {\"delta\":{\"text\":\"?\"}}"

const want = "Bonjour, ça va bien?"

func TestDecoderSingleChunk(t *testing.T) {
	d := NewDecoder()
	_, err := d.Write([]byte(stream))
	require.NoError(t, err)
	assert.Equal(t, want, d.Finish())
}

func TestDecoderArbitrarySplits(t *testing.T) {
	data := []byte(stream)
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 200; round++ {
		d := NewDecoder()
		for rest := data; len(rest) > 0; {
			n := 1 + rng.Intn(9)
			if n > len(rest) {
				n = len(rest)
			}
			_, _ = d.Write(rest[:n])
			rest = rest[n:]
		}
		require.Equal(t, want, d.Finish(), "round %d", round)
	}
}

func TestDecoderByteAtATime(t *testing.T) {
	d := NewDecoder()
	for _, b := range []byte(stream) {
		_, _ = d.Write([]byte{b})
	}
	assert.Equal(t, want, d.Finish())
}

func TestDecoderFinishIsIdempotent(t *testing.T) {
	d := NewDecoder()
	_, _ = d.Write([]byte(`data: {"output_text":"x"}`))
	assert.Equal(t, "x", d.Finish())
	_, _ = d.Write([]byte("data: {\"output_text\":\"y\"}\n"))
	assert.Equal(t, "x", d.Finish())
}

func TestDecodeReader(t *testing.T) {
	text, err := DecodeReader(strings.NewReader(stream))
	require.NoError(t, err)
	assert.Equal(t, want, text)
}
