package tokens

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApprox(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 1},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"0123456789abcdef", 4},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Approx{}.Count(tt.in), tt.in)
	}
}

func TestWords(t *testing.T) {
	assert.Equal(t, 1, Words{}.Count(""))
	assert.Equal(t, 3, Words{}.Count("one two three"))
	assert.Equal(t, 4, Words{}.Count("internal/eventstore/store.go"))
}

func TestNew(t *testing.T) {
	c, err := New("")
	require.NoError(t, err)
	assert.Equal(t, "approx", c.Name())

	c, err = New("words")
	require.NoError(t, err)
	assert.Equal(t, "words", c.Name())

	_, err = New("sentencepiece")
	assert.Error(t, err)
}

func TestBPE(t *testing.T) {
	if os.Getenv("TIKTOKEN_CACHE_DIR") == "" {
		t.Skip("TIKTOKEN_CACHE_DIR not set; encoding would be downloaded")
	}
	c, err := New("tiktoken")
	require.NoError(t, err)
	assert.Equal(t, "tiktoken:cl100k_base", c.Name())
	assert.Equal(t, 1, c.Count(""))
	assert.Equal(t, 2, c.Count("hello world"))
}
