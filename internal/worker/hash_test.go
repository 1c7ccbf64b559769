package worker

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHash(t *testing.T) {
	tests := []struct {
		name     string
		algo     string
		wantAlgo string
		wantHex  string
		wantErr  bool
	}{
		{name: "default", algo: "", wantAlgo: "sha256", wantHex: "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"},
		{name: "xep-0300 spelling", algo: "sha-256", wantAlgo: "sha256", wantHex: "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"},
		{name: "sha1 upper case", algo: "SHA-1", wantAlgo: "sha1", wantHex: "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d"},
		{name: "md5", algo: "md5", wantAlgo: "md5", wantHex: "5d41402abc4b2a76b9719d911017c592"},
		{name: "sha3", algo: "sha3-256", wantAlgo: "sha3-256"},
		{name: "blake2b", algo: "blake2b-256", wantAlgo: "blake2b-256"},
		{name: "unknown", algo: "crc32", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, algo, err := NewHash(tt.algo)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantAlgo, algo)

			h.Write([]byte("hello"))
			if tt.wantHex != "" {
				assert.Equal(t, tt.wantHex, hex.EncodeToString(h.Sum(nil)))
			}
		})
	}
}
