package btcrpc

import "fmt"

// satsPerBTC is the fixed 1e8 relationship between satoshis and whole BTC.
const satsPerBTC = 100_000_000

// FormatSats renders a satoshi amount as the fixed-8-decimal BTC string
// sendtoaddress expects.
func FormatSats(sats int64) string {
	whole := sats / satsPerBTC
	frac := sats % satsPerBTC
	if frac < 0 {
		frac = -frac
	}
	return fmt.Sprintf("%d.%08d", whole, frac)
}
