package parser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseDataWrappedFrame(t *testing.T) {
	p := New("nse_cm|")
	frame := []byte(`{"data":{"token":"nse_cm|26000","ltp":123.45,"exchange_timestamp":1728123456789}}`)

	got, ok := p.Parse(frame)
	require.True(t, ok)
	require.Equal(t, "26000", got.Token)
	require.Equal(t, 123.45, got.Price)
	require.Equal(t, time.UnixMilli(1728123456789).UTC(), got.TS)
}

func TestParseFlatFrameWithStringPrice(t *testing.T) {
	p := New("")
	frame := []byte(`{"symbol":"26001","last_price":"101.5","timestamp":1728123456}`)

	got, ok := p.Parse(frame)
	require.True(t, ok)
	require.Equal(t, "26001", got.Token)
	require.Equal(t, 101.5, got.Price)
	require.Equal(t, time.Unix(1728123456, 0).UTC(), got.TS)
}

func TestParseRejectsFrameWithoutTokenOrPrice(t *testing.T) {
	p := New("")
	for _, frame := range []string{
		`{"foo":1,"bar":2}`,
		`{"token":"26000"}`,
		`{"ltp":123.45}`,
		`{"token":"26000","ltp":"not a number"}`,
		`not json`,
		`[]`,
		`42`,
	} {
		_, ok := p.Parse([]byte(frame))
		require.False(t, ok, "frame %s should be rejected", frame)
	}
}

func TestParseArrayRoot(t *testing.T) {
	p := New("")
	frame := []byte(`[{"token":"26002","price":55.25}]`)

	got, ok := p.Parse(frame)
	require.True(t, ok)
	require.Equal(t, "26002", got.Token)
	require.Equal(t, 55.25, got.Price)
	require.True(t, got.TS.IsZero())
}

func TestParseDataArray(t *testing.T) {
	p := New("")
	frame := []byte(`{"data":[{"instrument_token":26003,"trade_price":7.5,"epoch":"1728123456"}]}`)

	got, ok := p.Parse(frame)
	require.True(t, ok)
	require.Equal(t, "26003", got.Token)
	require.Equal(t, 7.5, got.Price)
	require.Equal(t, time.Unix(1728123456, 0).UTC(), got.TS)
}

func TestParseNumericToken(t *testing.T) {
	p := New("")
	got, ok := p.Parse([]byte(`{"token":26000,"ltp":9.5}`))
	require.True(t, ok)
	require.Equal(t, "26000", got.Token)
}

func TestParseKeyPrecedence(t *testing.T) {
	p := New("")
	got, ok := p.Parse([]byte(`{"token":"A","symbol":"B","ltp":1.0,"price":2.0}`))
	require.True(t, ok)
	require.Equal(t, "A", got.Token)
	require.Equal(t, 1.0, got.Price)
}

func TestStripPrefixOnlyWhenPresent(t *testing.T) {
	p := New("nse_cm|")
	got, ok := p.Parse([]byte(`{"token":"bse_cm|500325","ltp":2900.0}`))
	require.True(t, ok)
	require.Equal(t, "bse_cm|500325", got.Token)
}

func TestMillisecondHeuristicBoundary(t *testing.T) {
	p := New("")

	got, ok := p.Parse([]byte(`{"token":"t","ltp":1,"ts":999999999999}`))
	require.True(t, ok)
	require.Equal(t, time.Unix(999999999999, 0).UTC(), got.TS)

	got, ok = p.Parse([]byte(`{"token":"t","ltp":1,"ts":1000000000000}`))
	require.True(t, ok)
	require.Equal(t, time.UnixMilli(1000000000000).UTC(), got.TS)
}
