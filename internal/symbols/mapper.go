package symbols

import "strings"

// Asset extracts the canonical asset code from a venue-native symbol.
// Matching is case-insensitive and quote-currency suffixes (USD, USDT,
// USDC) are ignored so that e.g. "XBTUSDTM", "BTC-USDT-SWAP" and
// "btcusdt" all resolve to "BTC".
// Currently supported venues: binance, bybit, kucoin, okx.
func Asset(venue, sym string) string {
	s := strings.ToUpper(strings.TrimSpace(sym))
	switch strings.ToLower(venue) {
	case "binance":
		s = strings.TrimPrefix(s, "1000")
	case "bybit":
		switch s {
		case "1000BONKUSDT":
			s = "BONKUSDT"
		case "1000PEPEUSDT":
			s = "PEPEUSDT"
		case "SHIB1000USDT":
			s = "SHIBUSDT"
		}
	case "kucoin":
		s = strings.TrimSuffix(s, "M")
		if strings.HasPrefix(s, "XBT") {
			s = "BTC" + s[3:]
		}
	case "okx":
		s = strings.TrimSuffix(s, "-SWAP")
	default:
		// others already use the desired format
	}

	switch {
	case strings.Contains(s, "_"):
		// futures-style prefixes, e.g. PF_ETHUSD
		s = s[strings.Index(s, "_")+1:]
	case strings.Contains(s, "-"):
		return s[:strings.Index(s, "-")]
	}
	if i := strings.Index(s, "USD"); i > 0 {
		s = s[:i]
	}
	return s
}
