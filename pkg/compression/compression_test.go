package compression

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeFromPath(t *testing.T) {
	tests := []struct {
		path     string
		expected Type
	}{
		{"out/city.json", TypeNone},
		{"out/city.json.gz", TypeGzip},
		{"out/city.JSONL.GZ", TypeGzip},
		{"out/city.json.zst", TypeZstd},
		{"out/city.zstd", TypeZstd},
		{"city", TypeNone},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.expected, TypeFromPath(tt.path))
		})
	}
}

func TestTrimExtension(t *testing.T) {
	assert.Equal(t, "city.json", TrimExtension("city.json.gz"))
	assert.Equal(t, "city.json", TrimExtension("city.json.zst"))
	assert.Equal(t, "city.json", TrimExtension("city.json"))
}

func TestType_StringAndExtension(t *testing.T) {
	assert.Equal(t, "gzip", TypeGzip.String())
	assert.Equal(t, ".zst", TypeZstd.Extension())
	assert.Equal(t, "", TypeNone.Extension())
	assert.Equal(t, "none", Type(42).String())
}

func TestDetectType(t *testing.T) {
	assert.Equal(t, TypeZstd, DetectType([]byte{0x28, 0xb5, 0x2f, 0xfd, 0x00}))
	assert.Equal(t, TypeGzip, DetectType([]byte{0x1f, 0x8b, 0x08}))
	assert.Equal(t, TypeNone, DetectType([]byte("{\"type\":")))
	assert.Equal(t, TypeNone, DetectType(nil))
}

func TestStreamRoundTrip(t *testing.T) {
	payload := strings.Repeat(`{"type":"CityJSONFeature","id":"BLDG_1"}`+"\n", 200)

	for _, typ := range []Type{TypeNone, TypeGzip, TypeZstd} {
		for _, level := range []Level{LevelFastest, LevelDefault, LevelBest} {
			t.Run(typ.String(), func(t *testing.T) {
				var buf bytes.Buffer
				w, err := NewWriter(&buf, typ, level)
				require.NoError(t, err)
				_, err = io.WriteString(w, payload)
				require.NoError(t, err)
				require.NoError(t, w.Close())

				if typ != TypeNone {
					assert.Less(t, buf.Len(), len(payload))
				}

				r, detected, err := NewReader(&buf)
				require.NoError(t, err)
				defer r.Close()
				assert.Equal(t, typ, detected)

				got, err := io.ReadAll(r)
				require.NoError(t, err)
				assert.Equal(t, payload, string(got))
			})
		}
	}
}

func TestNewReader_ShortInput(t *testing.T) {
	r, typ, err := NewReader(strings.NewReader("{}"))
	require.NoError(t, err)
	assert.Equal(t, TypeNone, typ)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(got))
}

func TestNewWriter_UnknownType(t *testing.T) {
	_, err := NewWriter(io.Discard, Type(99), LevelDefault)
	assert.Error(t, err)
}

func BenchmarkZstdWriter(b *testing.B) {
	payload := []byte(strings.Repeat("citypipe ", 1024))
	for i := 0; i < b.N; i++ {
		w, _ := NewWriter(io.Discard, TypeZstd, LevelDefault)
		_, _ = w.Write(payload)
		_ = w.Close()
	}
}
