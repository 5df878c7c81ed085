// Package parser decodes raw feed frames into LTP records.
package parser

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/quantrail/tickfabric/internal/ltp"
)

// Field fallbacks seen across broker feeds. First present key wins.
var (
	tokenKeys = []string{"token", "symbol", "tradingsymbol", "instrument_token", "tokenID"}
	priceKeys = []string{"ltp", "last_price", "lastPrice", "price", "trade_price"}
	tsKeys    = []string{"exchange_timestamp", "timestamp", "ts", "time", "epoch"}
)

// Parser extracts one LTP from one JSON frame. It holds no mutable state
// beyond the configured prefix, so a single instance is shared by every
// shard's consumer.
type Parser struct {
	stripPrefix string
}

// New constructs a parser. stripPrefix, when non-empty, is removed from the
// front of extracted tokens (venue prefixes like "nse_cm|").
func New(stripPrefix string) *Parser {
	return &Parser{stripPrefix: stripPrefix}
}

// StripPrefix reports the configured token prefix.
func (p *Parser) StripPrefix() string {
	return p.stripPrefix
}

// Parse decodes frame and returns its LTP. The second return is false when
// the frame is not JSON or lacks a usable token or price. A missing
// timestamp yields the zero time.
func (p *Parser) Parse(frame []byte) (ltp.LTP, bool) {
	var root any
	if err := json.Unmarshal(frame, &root); err != nil {
		return ltp.LTP{}, false
	}

	obj, ok := unwrap(root)
	if !ok {
		return ltp.LTP{}, false
	}

	token, ok := stringField(obj, tokenKeys)
	if !ok {
		return ltp.LTP{}, false
	}
	price, ok := numberField(obj, priceKeys)
	if !ok {
		return ltp.LTP{}, false
	}

	var ts time.Time
	if raw, ok := epochField(obj, tsKeys); ok {
		ts = toTime(raw)
	}

	if p.stripPrefix != "" {
		token = strings.TrimPrefix(token, p.stripPrefix)
	}

	return ltp.LTP{Token: token, Price: price, TS: ts}, true
}

// unwrap descends into the tick object: the first element of an array root,
// then into a "data" object or the first element of a "data" array.
func unwrap(root any) (map[string]any, bool) {
	if arr, ok := root.([]any); ok {
		if len(arr) == 0 {
			return nil, false
		}
		root = arr[0]
	}
	obj, ok := root.(map[string]any)
	if !ok {
		return nil, false
	}
	switch d := obj["data"].(type) {
	case map[string]any:
		return d, true
	case []any:
		if len(d) > 0 {
			if inner, ok := d[0].(map[string]any); ok {
				return inner, true
			}
		}
	}
	return obj, true
}

func stringField(obj map[string]any, keys []string) (string, bool) {
	for _, k := range keys {
		switch v := obj[k].(type) {
		case string:
			return v, true
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), true
		}
	}
	return "", false
}

func numberField(obj map[string]any, keys []string) (float64, bool) {
	for _, k := range keys {
		switch v := obj[k].(type) {
		case float64:
			return v, true
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func epochField(obj map[string]any, keys []string) (int64, bool) {
	for _, k := range keys {
		switch v := obj[k].(type) {
		case float64:
			return int64(v), true
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// toTime treats magnitudes of 10^12 and above as milliseconds since epoch,
// anything smaller as seconds.
func toTime(raw int64) time.Time {
	if raw == 0 {
		return time.Time{}
	}
	abs := raw
	if abs < 0 {
		if abs == math.MinInt64 {
			return time.Time{}
		}
		abs = -abs
	}
	if abs >= 1_000_000_000_000 {
		return time.UnixMilli(raw).UTC()
	}
	return time.Unix(raw, 0).UTC()
}
