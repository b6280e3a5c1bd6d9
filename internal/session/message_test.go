package session

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestParse_Ticker(t *testing.T) {
	msg, skipped := Parse(`{"type":"ticker","data":{"market_ticker":"FOO","bid":10,"ask":12,"last_price":11,"volume":5}}`)
	require.IsType(t, Ticker{}, msg)
	tk := msg.(Ticker)
	assert.Zero(t, skipped)
	assert.Equal(t, "FOO", tk.MarketTicker)
	assert.True(t, dec("10").Equal(tk.Bid))
	assert.True(t, dec("12").Equal(tk.Ask))
	assert.True(t, dec("11").Equal(tk.LastPrice))
	assert.Equal(t, int64(5), tk.Volume)
}

func TestParse_TickerDefaults(t *testing.T) {
	msg, _ := Parse(`{"type":"ticker","data":{}}`)
	tk := msg.(Ticker)
	assert.Equal(t, DefaultMarketTicker, tk.MarketTicker)
	assert.True(t, tk.Bid.IsZero())
	assert.True(t, tk.Ask.IsZero())
	assert.True(t, tk.LastPrice.IsZero())
	assert.Zero(t, tk.Volume)

	// без data вообще
	msg, _ = Parse(`{"type":"ticker"}`)
	assert.Equal(t, DefaultMarketTicker, msg.(Ticker).MarketTicker)
}

func TestParse_TickerFromMsgWithVenueFieldNames(t *testing.T) {
	msg, _ := Parse(`{"type":"ticker","sid":3,"msg":{"market_ticker":"BAR","yes_bid":"44","yes_ask":46,"price":45.5,"volume":"1200"}}`)
	tk := msg.(Ticker)
	assert.Equal(t, "BAR", tk.MarketTicker)
	assert.True(t, dec("44").Equal(tk.Bid))
	assert.True(t, dec("46").Equal(tk.Ask))
	assert.True(t, dec("45.5").Equal(tk.LastPrice))
	assert.Equal(t, int64(1200), tk.Volume)
}

func TestParse_DataWinsOverMsg(t *testing.T) {
	msg, _ := Parse(`{"type":"ticker","data":{"market_ticker":"D"},"msg":{"market_ticker":"M"}}`)
	assert.Equal(t, "D", msg.(Ticker).MarketTicker)
}

func TestParse_OrderbookDelta(t *testing.T) {
	msg, skipped := Parse(`{"type":"orderbook_delta","data":{"market_ticker":"FOO","bids":[[10,5]],"asks":[[12,3]]}}`)
	require.IsType(t, OrderbookDelta{}, msg)
	d := msg.(OrderbookDelta)
	assert.Zero(t, skipped)
	assert.Equal(t, "FOO", d.MarketTicker)
	require.Len(t, d.Bids, 1)
	require.Len(t, d.Asks, 1)
	assert.True(t, dec("10").Equal(d.Bids[0].Price))
	assert.Equal(t, int64(5), d.Bids[0].Size)
	assert.True(t, dec("12").Equal(d.Asks[0].Price))
	assert.Equal(t, int64(3), d.Asks[0].Size)
}

func TestParse_OrderbookDeltaSkipsMalformedLevels(t *testing.T) {
	msg, skipped := Parse(`{"type":"orderbook_delta","data":{"market_ticker":"FOO","bids":[[10,5],[1],"x",[null,2]],"asks":[[12,3],[13,"abc"]]}}`)
	d := msg.(OrderbookDelta)
	assert.Equal(t, 4, skipped)
	assert.Len(t, d.Bids, 1)
	assert.Len(t, d.Asks, 1)
}

func TestParse_NonIntegerSizesAreNotTruncated(t *testing.T) {
	msg, skipped := Parse(`{"type":"orderbook_delta","data":{"market_ticker":"FOO","bids":[[10,5],[11,2.5]],"asks":[[12,"99999999999999999999"],[13,-4]]}}`)
	d := msg.(OrderbookDelta)
	assert.Equal(t, 2, skipped)
	require.Len(t, d.Bids, 1)
	assert.Equal(t, int64(5), d.Bids[0].Size)
	require.Len(t, d.Asks, 1)
	assert.Equal(t, int64(-4), d.Asks[0].Size)

	cases := []struct {
		name   string
		volume string
		want   int64
	}{
		{"integer", `7`, 7},
		{"integer as decimal", `"7.0"`, 7},
		{"fractional", `7.5`, 0},
		{"overflow", `"99999999999999999999"`, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, _ := Parse(`{"type":"ticker","data":{"volume":` + tc.volume + `}}`)
			assert.Equal(t, tc.want, msg.(Ticker).Volume)
		})
	}
}

func TestParse_OrderbookDeltaWithoutLevels(t *testing.T) {
	msg, skipped := Parse(`{"type":"orderbook_delta","data":{"market_ticker":"FOO"}}`)
	d := msg.(OrderbookDelta)
	assert.Zero(t, skipped)
	assert.Empty(t, d.Bids)
	assert.Empty(t, d.Asks)
}

func TestParse_Subscribed(t *testing.T) {
	msg, _ := Parse(`{"id":1,"type":"subscribed","msg":{"channel":"ticker","sid":7}}`)
	assert.Equal(t, Subscribed{ID: 1, Channel: "ticker", SID: 7}, msg)

	msg, _ = Parse(`{"type":"subscribed","sid":9,"data":{"channel":"orderbook_delta"}}`)
	assert.Equal(t, Subscribed{Channel: "orderbook_delta", SID: 9}, msg)
}

func TestParse_Error(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		code    int64
		message string
	}{
		{"object msg", `{"id":2,"type":"error","msg":{"code":6,"msg":"Params required"}}`, 6, "Params required"},
		{"message key", `{"type":"error","data":{"code":"8","message":"Unknown channel"}}`, 8, "Unknown channel"},
		{"string payload", `{"type":"error","data":"rate limited"}`, 0, "rate limited"},
		{"number payload", `{"type":"error","data":42}`, 0, "42"},
		{"no payload", `{"type":"error"}`, 0, `{"type":"error"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, _ := Parse(tc.raw)
			require.IsType(t, ErrorMessage{}, msg)
			e := msg.(ErrorMessage)
			assert.Equal(t, tc.code, e.Code)
			assert.Equal(t, tc.message, e.Message)
			assert.Equal(t, tc.raw, e.Raw)
		})
	}
}

func TestParse_Unrecognized(t *testing.T) {
	cases := []struct {
		name     string
		raw      string
		typ      string
		protoErr bool
	}{
		{"unknown type", `{"type":"fill","data":{}}`, "fill", false},
		{"invalid json", `{"type":"ticker",`, "", true},
		{"not an object", `[1,2,3]`, "", true},
		{"empty", ``, "", true},
		{"missing type", `{"data":{}}`, "", true},
		{"payload not object", `{"type":"ticker","data":[1]}`, "ticker", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var msg Message
			require.NotPanics(t, func() { msg, _ = Parse(tc.raw) })
			require.IsType(t, Unrecognized{}, msg)
			u := msg.(Unrecognized)
			assert.Equal(t, tc.raw, u.Raw)
			assert.Equal(t, tc.typ, u.Type)
			if tc.protoErr {
				var pe *ProtocolError
				assert.ErrorAs(t, u.Err, &pe)
			} else {
				assert.NoError(t, u.Err)
			}
		})
	}
}

func TestProtocolError_Message(t *testing.T) {
	err := &ProtocolError{Type: "ticker", Msg: "payload is not an object"}
	assert.Equal(t, "protocol (ticker): payload is not an object", err.Error())
}
