package flattrade

import (
	"fmt"
	"strings"

	"nfo-seller-bot/internal/strategy"
)

// Symbol renders the Flattrade NFO trading symbol for an option
// contract: UNDERLYING + DDMMMYY + C|P + strike, e.g.
// NIFTY26AUG25C24500.
func Symbol(inst strategy.Instrument) string {
	expiry := strings.ToUpper(inst.Expiry.Format("02Jan06"))
	kind := "C"
	if inst.Kind == strategy.Put {
		kind = "P"
	}
	return fmt.Sprintf("%s%s%s%d", inst.Underlying, expiry, kind, inst.Strike)
}
