package decoder

import (
	"bytes"
	"strings"
	"testing"

	"eventlog-ingest/internal/model"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()
	var b bytes.Buffer
	w := gzip.NewWriter(&b)
	_, err := w.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return b.Bytes()
}

const sampleBatch = `{
  "ts": 1000, "serverTs": 1050, "did": "device-1",
  "events": [
    {"ts": 1000, "eid": 501, "pid": "p1", "mid": 3, "iid": 77, "scene": 2, "msg": "hello\nworld", "price": 10, "cur": "EUR"},
    {"ts": 1010, "eid": 999}
  ]
}`

func TestDecodePreservesSourceFields(t *testing.T) {
	d := New(1 << 20)
	p := Params{APIVersion: 1, Platform: model.PlatformAndroid, SDKVersion: "2.3.0", AppKey: "ak"}

	b, err := d.Decode(gzipBytes(t, sampleBatch), p)
	require.NoError(t, err)

	assert.Equal(t, int64(1000), b.ClientTs)
	assert.Equal(t, int64(1050), b.ServerTs, "ReceivedAt=0 keeps body value")
	assert.Equal(t, "device-1", b.DeviceID)
	assert.Equal(t, 1, b.APIVersion)
	assert.Equal(t, model.PlatformAndroid, b.Platform)
	assert.Equal(t, "2.3.0", b.SDKVersion)
	assert.Equal(t, "ak", b.AppKey)

	require.Len(t, b.Events, 2)
	ev := b.Events[0]
	assert.Equal(t, 501, ev.EventID)
	assert.Equal(t, int64(1000), ev.ClientTs)
	assert.Equal(t, "p1", ev.PlacementID)
	assert.Equal(t, 3, ev.MediationID)
	assert.Equal(t, 77, ev.InstanceID)
	assert.Equal(t, 2, ev.Scene)
	assert.Equal(t, "hello\nworld", ev.Message)
	assert.Equal(t, 10.0, ev.Price)
	assert.Equal(t, "EUR", ev.Currency)
	assert.Nil(t, ev.AdType)
	assert.Equal(t, 999, b.Events[1].EventID)
}

func TestDecodeStampsReceiptTime(t *testing.T) {
	b, err := New(1<<20).Decode(gzipBytes(t, sampleBatch), Params{ReceivedAt: 5000})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), b.ServerTs)
}

func TestDecodeParamsOverrideBody(t *testing.T) {
	body := `{"ts":1,"did":"d","apiv":9,"plat":1,"sdkv":"fake","appKey":"fake","events":[]}`
	b, err := New(1<<20).Decode(gzipBytes(t, body), Params{APIVersion: 1, Platform: model.PlatformIOS, SDKVersion: "1.0", AppKey: "real"})
	require.NoError(t, err)
	assert.Equal(t, 1, b.APIVersion)
	assert.Equal(t, model.PlatformIOS, b.Platform)
	assert.Equal(t, "1.0", b.SDKVersion)
	assert.Equal(t, "real", b.AppKey)
}

func TestDecodeErrors(t *testing.T) {
	d := New(64)

	tests := []struct {
		name string
		body []byte
		want error
	}{
		{"not gzip", []byte(`{"ts":1}`), ErrDecompress},
		{"empty", nil, ErrDecompress},
		{"truncated gzip", gzipBytes(t, sampleBatch)[:20], ErrDecompress},
		{"too large", gzipBytes(t, `{"did":"`+strings.Repeat("x", 200)+`"}`), ErrDecompress},
		{"bad json", gzipBytes(t, `{"ts":`), ErrParse},
		{"wrong shape", gzipBytes(t, `{"events":"nope"}`), ErrParse},
		{"null", gzipBytes(t, `null`), ErrParse},
		{"null with spaces", gzipBytes(t, " null\n"), ErrParse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := d.Decode(tt.body, Params{})
			assert.Nil(t, b)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, IsClientError(err))
		})
	}
}

func TestDecodeDropsNullEvents(t *testing.T) {
	b, err := New(1<<20).Decode(gzipBytes(t, `{"events":[null,{"eid":1},null]}`), Params{})
	require.NoError(t, err)
	require.Len(t, b.Events, 1)
	assert.Equal(t, 1, b.Events[0].EventID)
}

func TestIsClientErrorOther(t *testing.T) {
	assert.False(t, IsClientError(assert.AnError))
}
