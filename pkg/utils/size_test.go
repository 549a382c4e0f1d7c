package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDataSize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"0", 0},
		{"512", 512},
		{"100B", 100},
		{"1KB", 1000},
		{"1.5KB", 1500},
		{"64KB", 64000},
		{"1K", 1024},
		{"1KiB", 1024},
		{"1.5kib", 1536},
		{"1MiB", 1048576},
		{"2M", 2097152},
		{"1GB", 1000000000},
		{"1G", 1073741824},
		{"1TiB", 1099511627776},
		{" 8 MB ", 8000000},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDataSize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParseDataSizeInvalid(t *testing.T) {
	for _, input := range []string{"", "abc", "1XB", "1.2.3MB", "MB", "-5"} {
		_, err := ParseDataSize(input)
		assert.Error(t, err, input)
	}
}

func TestFormatDataSize(t *testing.T) {
	assert.Equal(t, "0 B", FormatDataSize(0))
	assert.Equal(t, "1023 B", FormatDataSize(1023))
	assert.Equal(t, "1 KB", FormatDataSize(1024))
	assert.Equal(t, "1.5 KB", FormatDataSize(1536))
	assert.Equal(t, "1 MB", FormatDataSize(MiB))
	assert.Equal(t, "2.25 GB", FormatDataSize(2*GiB+GiB/4))
	assert.Equal(t, "invalid", FormatDataSize(-1))
}
