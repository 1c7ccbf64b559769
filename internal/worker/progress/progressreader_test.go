package progress

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderReportsAtInterval(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 1000)

	var reports []int64

	pr := NewReader(bytes.NewReader(data), int64(len(data)), 300, func(read, total int64) {
		assert.Equal(t, int64(1000), total)
		reports = append(reports, read)
	})

	buf := make([]byte, 100)
	for {
		_, err := pr.Read(buf)
		if err == io.EOF {
			break
		}

		require.NoError(t, err)
	}

	assert.Equal(t, []int64{300, 600, 900, 1000}, reports)
	assert.Equal(t, int64(1000), pr.BytesRead())
}

func TestFraction(t *testing.T) {
	assert.Equal(t, 0.0, Fraction(5, 0))
	assert.Equal(t, 0.33, Fraction(1, 3))
	assert.Equal(t, 0.67, Fraction(2, 3))
	assert.Equal(t, 1.0, Fraction(3, 3))
	assert.Equal(t, 1.0, Fraction(4, 3))
}
