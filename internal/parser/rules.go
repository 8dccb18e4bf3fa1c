package parser

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"signaltrader/internal/domain"
)

// ErrExtractionUnavailable marks a failure of the extraction capability
// itself (timeout, upstream error, open breaker), as opposed to a message
// that is not a usable signal.
var ErrExtractionUnavailable = errors.New("extraction unavailable")

// Fields is what an extractor read out of a message, before validation.
type Fields struct {
	Symbol     string           `json:"symbol"`
	Action     string           `json:"direction"`
	Price      decimal.Decimal  `json:"price"`
	Stop       decimal.Decimal  `json:"stop"`
	Target     decimal.Decimal  `json:"target"`
	ProfitPct  *decimal.Decimal `json:"profit_pct,omitempty"`
	Confidence float64          `json:"confidence"`
}

type Extractor interface {
	Name() string
	Extract(ctx context.Context, text string) (Fields, error)
}

// Channel format:
//
//	🟢 BTC BUY LONG PRICE: 50000.0
//	🔴 BTC ✅️ PROFIT: +4.5% CLOSE LONG PRICE: 52250.0
var (
	channelOpen  = regexp.MustCompile(`.\s(\w+)\s+BUY LONG PRICE:\s+(\d+\.\d+)`)
	channelClose = regexp.MustCompile(`.\s(\w+)\s+..\sPROFIT:\s+(.\s*\d+\.\d+)%\sCLOSE LONG PRICE:\s+(\d+\.\d+)`)
)

var (
	pairPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b([A-Z0-9]{2,15}USDT)\b`),
		regexp.MustCompile(`\b([A-Z0-9]{2,15})\s*/\s*(USDT|USDC|BUSD|USD|BTC|ETH)\b`),
		regexp.MustCompile(`\b([A-Z0-9]{2,15})-(USDT|USDC|BUSD|USD|BTC|ETH)\b`),
		regexp.MustCompile(`[#$]([A-Z0-9]{2,15})\b`),
	}

	closeWords = regexp.MustCompile(`\b(close|closed|exit|sell)\b`)
	longWords  = regexp.MustCompile(`\b(buy|long|bullish)\b`)
	shortWords = regexp.MustCompile(`\b(short|bearish)\b`)

	entryPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\bentry[:\s]+(\d+(?:\.\d+)?)`),
		regexp.MustCompile(`\benter[:\s]+(\d+(?:\.\d+)?)`),
		regexp.MustCompile(`\bprice[:\s]+(\d+(?:\.\d+)?)`),
		regexp.MustCompile(`@\s*(\d+(?:\.\d+)?)`),
	}
	stopPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\bsl[:\s]+(\d+(?:\.\d+)?)`),
		regexp.MustCompile(`\bstop[\s-]*loss[:\s]+(\d+(?:\.\d+)?)`),
	}
	targetPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\btp\d?[:\s]+(\d+(?:\.\d+)?)`),
		regexp.MustCompile(`\btarget[:\s]+(\d+(?:\.\d+)?)`),
		regexp.MustCompile(`\btake[\s-]*profit[:\s]+(\d+(?:\.\d+)?)`),
	}
)

// RuleExtractor reads signals with fixed patterns. It never calls out and
// is always available.
type RuleExtractor struct{}

func (RuleExtractor) Name() string { return "rules" }

func (RuleExtractor) Extract(ctx context.Context, text string) (Fields, error) {
	if err := ctx.Err(); err != nil {
		return Fields{}, err
	}
	if m := channelOpen.FindStringSubmatch(text); m != nil {
		return Fields{
			Symbol:     m[1],
			Action:     string(domain.DirectionLong),
			Price:      decimal.RequireFromString(m[2]),
			Confidence: 0.95,
		}, nil
	}
	if m := channelClose.FindStringSubmatch(text); m != nil {
		f := Fields{
			Symbol:     m[1],
			Action:     string(domain.DirectionClose),
			Price:      decimal.RequireFromString(m[3]),
			Confidence: 0.95,
		}
		if pct, ok := parseSigned(m[2]); ok {
			f.ProfitPct = &pct
		}
		return f, nil
	}
	return extractGeneric(text)
}

func extractGeneric(text string) (Fields, error) {
	upper := strings.ToUpper(text)
	lower := strings.ToLower(text)

	var f Fields
	for _, p := range pairPatterns {
		m := p.FindStringSubmatch(upper)
		if m == nil {
			continue
		}
		f.Symbol = m[1]
		if len(m) > 2 {
			f.Symbol = m[1] + "/" + m[2]
		}
		break
	}

	isClose := closeWords.MatchString(lower)
	isLong := longWords.MatchString(lower)
	isShort := shortWords.MatchString(lower)
	switch {
	case isClose:
		// "close long" and "exit short" name the position being closed.
		f.Action = string(domain.DirectionClose)
	case isLong && isShort:
		return Fields{}, domain.NewParseError(domain.ParseAmbiguous, "both long and short in message")
	case isLong:
		f.Action = string(domain.DirectionLong)
	case isShort:
		f.Action = string(domain.DirectionShort)
	}

	f.Price = firstNumber(lower, entryPatterns)
	f.Stop = firstNumber(lower, stopPatterns)
	f.Target = firstNumber(lower, targetPatterns)
	f.Confidence = completeness(f)
	return f, nil
}

// completeness scores a generic match: required fields add 0.1 or cost
// 0.2, optional levels add 0.1. A close needs no price.
func completeness(f Fields) float64 {
	score := 0.5
	required := []bool{f.Symbol != "", f.Action != ""}
	if f.Action != string(domain.DirectionClose) {
		required = append(required, f.Price.IsPositive())
	}
	for _, ok := range required {
		if ok {
			score += 0.1
		} else {
			score -= 0.2
		}
	}
	if f.Stop.IsPositive() {
		score += 0.1
	}
	if f.Target.IsPositive() {
		score += 0.1
	}
	return max(0, min(1, score))
}

func firstNumber(text string, patterns []*regexp.Regexp) decimal.Decimal {
	for _, p := range patterns {
		m := p.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if v, err := decimal.NewFromString(m[1]); err == nil {
			return v
		}
	}
	return decimal.Zero
}

// parseSigned reads "+4.5", "- 3.2" or "~1.0". Only a minus sign makes the
// value negative.
func parseSigned(v string) (decimal.Decimal, bool) {
	v = strings.ReplaceAll(strings.TrimSpace(v), " ", "")
	neg := strings.HasPrefix(v, "−")
	for v != "" && (v[0] < '0' || v[0] > '9') {
		if v[0] == '-' {
			neg = true
		}
		v = v[1:]
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, false
	}
	if neg {
		d = d.Neg()
	}
	return d, true
}
