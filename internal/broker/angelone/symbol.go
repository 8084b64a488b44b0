package angelone

import (
	"fmt"
	"strings"

	"nfo-seller-bot/internal/strategy"
)

// Symbol renders the AngelOne NFO trading symbol for an option
// contract: UNDERLYING + DDMMMYY + strike + CE|PE, e.g.
// NIFTY26AUG2524500CE. Same tokens as Flattrade, different ordering.
func Symbol(inst strategy.Instrument) string {
	expiry := strings.ToUpper(inst.Expiry.Format("02Jan06"))
	return fmt.Sprintf("%s%s%d%s", inst.Underlying, expiry, inst.Strike, inst.Kind)
}
