package audit

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestSignerRoundTrip(t *testing.T) {
	signer, err := NewSigner(testKey)
	require.NoError(t, err)

	sig, err := signer.Sign([]byte("record payload"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sig, "hmac-sha256:"))
	assert.True(t, signer.Verify([]byte("record payload"), sig))
	assert.False(t, signer.Verify([]byte("tampered payload"), sig))
}

func TestSignerDeterministic(t *testing.T) {
	signer, err := NewSigner(testKey)
	require.NoError(t, err)

	a, err := signer.Sign([]byte("same data"))
	require.NoError(t, err)
	b, err := signer.Sign([]byte("same data"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSignerKeyRequirements(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"32 raw bytes", testKey, false},
		{"longer raw key", testKey + "-extra", false},
		{"64 hex chars", strings.Repeat("ab", 32), false},
		{"too short", "short-key", true},
		{"31 bytes", strings.Repeat("x", 31), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSigner(tt.key)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHexKeyDecoded(t *testing.T) {
	hexKey := strings.Repeat("0f", 32)
	hexSigner, err := NewSigner(hexKey)
	require.NoError(t, err)
	rawSigner, err := NewSigner(strings.Repeat("\x0f", 32))
	require.NoError(t, err)

	hs, err := hexSigner.Sign([]byte("data"))
	require.NoError(t, err)
	rs, err := rawSigner.Sign([]byte("data"))
	require.NoError(t, err)
	assert.Equal(t, rs, hs, "hex keys must decode to their raw bytes")
}
