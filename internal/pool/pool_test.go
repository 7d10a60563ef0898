package pool

import (
	"bytes"
	"io"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gz(t *testing.T, s string) []byte {
	t.Helper()
	var b bytes.Buffer
	w := gzip.NewWriter(&b)
	_, err := w.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return b.Bytes()
}

func TestGzipReaderReuse(t *testing.T) {
	for _, s := range []string{"first", "second payload"} {
		zr, err := GetGzipReader(bytes.NewReader(gz(t, s)))
		require.NoError(t, err)
		out, err := io.ReadAll(zr)
		require.NoError(t, err)
		assert.Equal(t, s, string(out))
		PutGzipReader(zr)
	}
}

func TestGzipReaderRejectsPlain(t *testing.T) {
	_, err := GetGzipReader(bytes.NewReader([]byte("not gzip at all")))
	assert.Error(t, err)

	// 실패 후에도 풀에서 정상 reader 를 얻을 수 있어야 한다
	zr, err := GetGzipReader(bytes.NewReader(gz(t, "ok")))
	require.NoError(t, err)
	PutGzipReader(zr)
}

func TestPutBodyDropsOversized(t *testing.T) {
	big := bytes.NewBuffer(make([]byte, 0, 64))
	PutBody(big, 16) // 버려져야 함, panic 없음

	small := bytes.NewBufferString("abc")
	PutBody(small, 1024)
	assert.Equal(t, 0, small.Len())
}
