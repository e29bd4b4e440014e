package history

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinanceSource_Decode(t *testing.T) {
	body := []byte(`[
		[1700000040000,"37000.12345","37010.999","36990.001","37005.5","12.12345678",1700000099999,"0",10,"0","0","0"],
		[1700000100000,"37005.5","37020","37000","37015.25","0.5",1700000159999,"0",3,"0","0","0"]
	]`)
	got, err := BinanceSource{}.Decode(body)
	require.NoError(t, err)
	require.Len(t, got, 2)

	c := got[0]
	assert.Equal(t, int64(1700000040), c.Time)
	assert.Equal(t, 37000.12, c.Open)
	assert.Equal(t, 37011.0, c.High)
	assert.Equal(t, 36990.0, c.Low)
	assert.Equal(t, 37005.5, c.Close)
	assert.Equal(t, 12.123457, c.Volume)
}

func TestBinanceSource_DecodeRejectsShortRows(t *testing.T) {
	_, err := BinanceSource{}.Decode([]byte(`[[1700000040000,"1","2"]]`))
	assert.Error(t, err)
}

func TestBinanceSource_Request(t *testing.T) {
	req, err := BinanceSource{URL: "https://example.test/api/v3/klines"}.NewRequest(context.Background(),
		Request{Symbol: "btcusdt", Interval: "15m", Limit: 100, StartTime: 1000})
	require.NoError(t, err)
	q := req.URL.Query()
	assert.Equal(t, "/api/v3/klines", req.URL.Path)
	assert.Equal(t, "BTCUSDT", q.Get("symbol"))
	assert.Equal(t, "15m", q.Get("interval"))
	assert.Equal(t, "100", q.Get("limit"))
	assert.Equal(t, "1000", q.Get("startTime"))
	assert.False(t, q.Has("endTime"))
}
