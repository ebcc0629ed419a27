package travis

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSplitEnvPairs verifies shell-style splitting of env strings,
// including quoted values with embedded whitespace.
func TestSplitEnvPairs(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
		hasError bool
	}{
		{
			name:     "single pair",
			input:    "PYTHON=3.7.4",
			expected: []string{"PYTHON=3.7.4"},
		},
		{
			name:     "multiple pairs",
			input:    "A=1 B=2",
			expected: []string{"A=1", "B=2"},
		},
		{
			name:     "double quoted value",
			input:    `MSG="hello world" N=1`,
			expected: []string{"MSG=hello world", "N=1"},
		},
		{
			name:     "single quoted value",
			input:    `PATTERN='a b c'`,
			expected: []string{"PATTERN=a b c"},
		},
		{
			name:     "empty value",
			input:    "EMPTY=",
			expected: []string{"EMPTY="},
		},
		{
			name:     "extra whitespace",
			input:    "  A=1\t B=2  ",
			expected: []string{"A=1", "B=2"},
		},
		{
			name:     "empty string",
			input:    "",
			expected: []string{},
		},
		{
			name:     "bare word is not a pair",
			input:    "NOTAPAIR",
			hasError: true,
		},
		{
			name:     "missing key",
			input:    "=value",
			hasError: true,
		},
		{
			name:     "unterminated quote",
			input:    `A="unclosed`,
			hasError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pairs, err := SplitEnvPairs(tt.input)
			if tt.hasError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, pairs)
		})
	}
}

// TestResolveEnvEntries_Plain verifies plain entries flatten into pairs
// in declaration order.
func TestResolveEnvEntries_Plain(t *testing.T) {
	entries := []EnvEntry{
		{Raw: "A=1 B=2"},
		{Raw: "C=3"},
	}

	pairs, warnings := ResolveEnvEntries(entries, nil)
	assert.Equal(t, []string{"A=1", "B=2", "C=3"}, pairs)
	assert.Empty(t, warnings)
}

// TestResolveEnvEntries_SecureWithoutKey verifies secure entries are
// skipped with a warning when no decryption function is available.
func TestResolveEnvEntries_SecureWithoutKey(t *testing.T) {
	entries := []EnvEntry{
		{Raw: "PLAIN=yes"},
		{Raw: "Y2lwaGVydGV4dA==", Secure: true},
	}

	pairs, warnings := ResolveEnvEntries(entries, nil)
	assert.Equal(t, []string{"PLAIN=yes"}, pairs)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "no decryption key")
}

// TestResolveEnvEntries_SecureDecrypted verifies secure entries resolve
// through the supplied decrypt function.
func TestResolveEnvEntries_SecureDecrypted(t *testing.T) {
	entries := []EnvEntry{
		{Raw: "blob", Secure: true},
	}
	decrypt := func(ciphertext string) (string, error) {
		assert.Equal(t, "blob", ciphertext)
		return "TOKEN=s3cret", nil
	}

	pairs, warnings := ResolveEnvEntries(entries, decrypt)
	assert.Equal(t, []string{"TOKEN=s3cret"}, pairs)
	assert.Empty(t, warnings)
}

// TestResolveEnvEntries_DecryptFailure verifies a failing decrypt skips
// the entry instead of aborting the expansion.
func TestResolveEnvEntries_DecryptFailure(t *testing.T) {
	entries := []EnvEntry{
		{Raw: "blob", Secure: true},
		{Raw: "KEEP=1"},
	}
	decrypt := func(string) (string, error) {
		return "", fmt.Errorf("wrong key")
	}

	pairs, warnings := ResolveEnvEntries(entries, decrypt)
	assert.Equal(t, []string{"KEEP=1"}, pairs)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "wrong key")
}

// TestResolveEnvEntries_Malformed verifies malformed entries are skipped
// with a warning rather than failing the whole build.
func TestResolveEnvEntries_Malformed(t *testing.T) {
	entries := []EnvEntry{
		{Raw: "JUSTAWORD"},
		{Raw: "OK=1"},
	}

	pairs, warnings := ResolveEnvEntries(entries, nil)
	assert.Equal(t, []string{"OK=1"}, pairs)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "JUSTAWORD")
}
