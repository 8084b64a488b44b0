package market

import (
	"fmt"
	"time"

	"nfo-seller-bot/internal/config"
)

// Hours is a pure gate over the exchange trading window. NFO trades
// weekdays 09:15 to 15:30 IST.
type Hours struct {
	openMinute  int
	closeMinute int
	location    *time.Location
}

func NewHours(cfg config.MarketConfig) (*Hours, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load market timezone: %w", err)
	}
	open, err := parseClock(cfg.OpenTime)
	if err != nil {
		return nil, fmt.Errorf("parse market open: %w", err)
	}
	close, err := parseClock(cfg.CloseTime)
	if err != nil {
		return nil, fmt.Errorf("parse market close: %w", err)
	}
	if close <= open {
		return nil, fmt.Errorf("market close %q not after open %q", cfg.CloseTime, cfg.OpenTime)
	}
	return &Hours{openMinute: open, closeMinute: close, location: loc}, nil
}

// IsOpen reports whether t falls in the trading window. Saturdays and
// Sundays are always closed.
func (h *Hours) IsOpen(t time.Time) bool {
	local := t.In(h.location)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minute := local.Hour()*60 + local.Minute()
	return minute >= h.openMinute && minute <= h.closeMinute
}

// Location returns the exchange timezone, used by the scheduler for
// trigger arithmetic.
func (h *Hours) Location() *time.Location {
	return h.location
}

func parseClock(value string) (int, error) {
	parsed, err := time.Parse("15:04", value)
	if err != nil {
		return 0, err
	}
	return parsed.Hour()*60 + parsed.Minute(), nil
}
