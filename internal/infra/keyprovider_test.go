package infra

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileKeyProvider_RoundTrip(t *testing.T) {
	p := NewFileKeyProvider(t.TempDir())
	assert.False(t, p.KeyExists())

	key, err := GenerateKey()
	require.NoError(t, err)
	require.Len(t, key, 32)

	require.NoError(t, p.StoreKey(key))
	assert.True(t, p.KeyExists())

	got, err := p.GetKey()
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestFileKeyProvider_RejectsWrongSize(t *testing.T) {
	p := NewFileKeyProvider(t.TempDir())
	assert.Error(t, p.StoreKey([]byte("short")))
}

func TestEnsureKey_GeneratesOnceThenReuses(t *testing.T) {
	p := NewFileKeyProvider(t.TempDir())

	first, err := EnsureKey(p)
	require.NoError(t, err)
	require.Len(t, first, 32)

	second, err := EnsureKey(p)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestGenerateKey_Unique(t *testing.T) {
	a, err := GenerateKey()
	require.NoError(t, err)
	b, err := GenerateKey()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
