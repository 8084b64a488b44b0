package flattrade

import (
	"testing"
	"time"

	"nfo-seller-bot/internal/strategy"
)

func TestSymbol(t *testing.T) {
	expiry := time.Date(2025, time.August, 26, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		inst strategy.Instrument
		want string
	}{
		{strategy.Instrument{Underlying: "NIFTY", Expiry: expiry, Strike: 24500, Kind: strategy.Call}, "NIFTY26AUG25C24500"},
		{strategy.Instrument{Underlying: "NIFTY", Expiry: expiry, Strike: 24000, Kind: strategy.Put}, "NIFTY26AUG25P24000"},
		{strategy.Instrument{Underlying: "BANKNIFTY", Expiry: time.Date(2025, time.September, 30, 0, 0, 0, 0, time.UTC), Strike: 52000, Kind: strategy.Call}, "BANKNIFTY30SEP25C52000"},
	}
	for _, tc := range cases {
		if got := Symbol(tc.inst); got != tc.want {
			t.Fatalf("Symbol(%v) = %q, want %q", tc.inst, got, tc.want)
		}
	}
}
