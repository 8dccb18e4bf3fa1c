package parser

import (
	"regexp"
	"strings"

	"signaltrader/internal/domain"
)

var baseAsset = regexp.MustCompile(`^[A-Z0-9]{1,20}$`)

// NormalizeSymbol maps the spellings seen in channels (BTC/USDT, btc-usdt,
// #BTC, BTCUSDT.P) onto the venue symbol BTCUSDT for the given quote asset.
func NormalizeSymbol(raw, quote string) (string, error) {
	quote = strings.ToUpper(strings.TrimSpace(quote))
	if quote == "" {
		quote = "USDT"
	}
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.TrimLeft(s, "#$")
	s = strings.TrimSuffix(s, ".P")
	s = strings.TrimSuffix(s, "PERP")
	s = strings.TrimRight(s, "-_/:")
	if s == "" {
		return "", domain.NewParseError(domain.ParseMalformed, "empty symbol")
	}

	base, q := s, ""
	if i := strings.IndexAny(s, "/-_:"); i >= 0 {
		base, q = s[:i], s[i+1:]
	} else if strings.HasSuffix(s, quote) && len(s) > len(quote) {
		base, q = strings.TrimSuffix(s, quote), quote
	}
	if q != "" && q != quote {
		return "", domain.NewParseError(domain.ParseUnsupported, "%s is not quoted in %s", raw, quote)
	}
	if !baseAsset.MatchString(base) {
		return "", domain.NewParseError(domain.ParseMalformed, "invalid symbol %q", raw)
	}
	return base + quote, nil
}
