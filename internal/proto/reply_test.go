package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestJobReplyFormat(t *testing.T) {
	got := Job("RESERVED", 7, []byte("hello"))
	assert.Equal(t, "RESERVED 7 5\r\nhello\r\n", string(got))
}

func TestWordReplyFormat(t *testing.T) {
	assert.Equal(t, "DELETED\r\n", string(Word("DELETED")))
}

func TestYAMLReplyRoundTrips(t *testing.T) {
	in := map[string]int{"current-jobs-ready": 3}
	out, err := YAML(in)
	require.NoError(t, err)

	s := string(out)
	require.Contains(t, s, "OK ")

	nl := indexByte(out, '\n')
	require.GreaterOrEqual(t, nl, 0)
	body := out[nl+1:]

	var decoded map[string]int
	require.NoError(t, yaml.Unmarshal(body, &decoded))
	assert.Equal(t, 3, decoded["current-jobs-ready"])
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}
