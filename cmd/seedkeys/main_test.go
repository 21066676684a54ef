package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePairs(t *testing.T) {
	pairs, err := parsePairs([]string{"k1=marketplace", " k2 = billing "})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k1": "marketplace", "k2": "billing"}, pairs)

	for _, bad := range [][]string{nil, {"novalue"}, {"=caller"}, {"key="}} {
		_, err := parsePairs(bad)
		assert.Error(t, err, bad)
	}
}
