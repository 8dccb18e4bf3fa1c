package parser

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"signaltrader/internal/config"
	"signaltrader/internal/domain"
	"signaltrader/internal/resilience"
)

// Parsed is a validated signal plus how it was obtained.
type Parsed struct {
	Signal    domain.TradeSignal
	Extractor string
	// Degraded is set when the primary extractor could not be used and the
	// fallback produced the signal. Opening decisions are refused then.
	Degraded bool
}

// Parser turns raw channel text into trade signals. The primary extractor
// sits behind a breaker and a per-call timeout; when it is unavailable the
// fallback is used and the result is marked degraded.
type Parser struct {
	Primary       Extractor
	Fallback      Extractor
	Breaker       *resilience.Breaker
	Timeout       time.Duration
	MinConfidence float64
	QuoteAsset    string
	// Symbols, when set, is the allowlist of tradable venue symbols.
	Symbols map[string]struct{}
	Logger  *zap.Logger

	degraded atomic.Bool
}

func New(cfg config.ParserConfig, primary Extractor, timeout time.Duration, logger *zap.Logger) *Parser {
	p := &Parser{
		Primary:       primary,
		Fallback:      RuleExtractor{},
		Breaker:       resilience.NewBreaker("extractor", cfg.BreakerFailures, cfg.BreakerCooldown, logger),
		Timeout:       timeout,
		MinConfidence: cfg.MinConfidence,
		QuoteAsset:    cfg.QuoteAsset,
		Logger:        logger,
	}
	if len(cfg.Symbols) > 0 {
		p.Symbols = make(map[string]struct{}, len(cfg.Symbols))
		for _, s := range cfg.Symbols {
			if sym, err := NormalizeSymbol(s, cfg.QuoteAsset); err == nil {
				p.Symbols[sym] = struct{}{}
			}
		}
	}
	return p
}

// Available reports whether the last extraction ran on the primary path.
func (p *Parser) Available() bool {
	return p != nil && !p.degraded.Load()
}

func (p *Parser) Parse(ctx context.Context, raw domain.RawSignal) (Parsed, error) {
	if p == nil {
		return Parsed{}, errors.New("parser is nil")
	}
	if strings.TrimSpace(raw.Text) == "" {
		return Parsed{}, domain.NewParseError(domain.ParseMalformed, "empty message")
	}
	fields, name, degraded, err := p.extract(ctx, raw.Text)
	if err != nil {
		return Parsed{}, err
	}
	sig, err := p.validate(fields, raw)
	if err != nil {
		return Parsed{}, err
	}
	return Parsed{Signal: sig, Extractor: name, Degraded: degraded}, nil
}

func (p *Parser) extract(ctx context.Context, text string) (Fields, string, bool, error) {
	if p.Primary == nil {
		if p.Fallback == nil {
			return Fields{}, "", false, errors.New("parser has no extractor")
		}
		f, err := p.Fallback.Extract(ctx, text)
		return f, p.Fallback.Name(), false, err
	}

	if p.Breaker.Allow() {
		callCtx := ctx
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
			defer cancel()
		}
		f, err := p.Primary.Extract(callCtx, text)
		switch {
		case err == nil:
			p.Breaker.RecordSuccess()
			p.degraded.Store(false)
			return f, p.Primary.Name(), false, nil
		case ctx.Err() != nil:
			return Fields{}, "", false, ctx.Err()
		case errors.Is(err, ErrExtractionUnavailable), errors.Is(err, context.DeadlineExceeded):
			p.Breaker.RecordFailure()
			if p.Logger != nil {
				p.Logger.Warn("primary extractor unavailable", zap.String("extractor", p.Primary.Name()), zap.Error(err))
			}
		default:
			// The primary answered; its verdict on the message stands.
			p.Breaker.RecordSuccess()
			p.degraded.Store(false)
			return Fields{}, p.Primary.Name(), false, err
		}
	}

	p.degraded.Store(true)
	if p.Fallback == nil {
		return Fields{}, "", true, domain.NewParseError(domain.ParseAmbiguous, "extraction unavailable and no fallback")
	}
	f, err := p.Fallback.Extract(ctx, text)
	return f, p.Fallback.Name(), true, err
}

func (p *Parser) validate(f Fields, raw domain.RawSignal) (domain.TradeSignal, error) {
	if strings.TrimSpace(f.Symbol) == "" {
		return domain.TradeSignal{}, domain.NewParseError(domain.ParseMalformed, "no symbol")
	}
	if strings.TrimSpace(f.Action) == "" {
		return domain.TradeSignal{}, domain.NewParseError(domain.ParseMalformed, "no direction")
	}
	dir, ok := domain.ParseDirection(f.Action)
	if !ok {
		return domain.TradeSignal{}, domain.NewParseError(domain.ParseUnsupported, "action %q", f.Action)
	}
	symbol, err := NormalizeSymbol(f.Symbol, p.QuoteAsset)
	if err != nil {
		return domain.TradeSignal{}, err
	}
	if p.Symbols != nil {
		if _, ok := p.Symbols[symbol]; !ok {
			return domain.TradeSignal{}, domain.NewParseError(domain.ParseUnsupported, "%s not tradable", symbol)
		}
	}
	if f.Price.IsNegative() || f.Stop.IsNegative() || f.Target.IsNegative() {
		return domain.TradeSignal{}, domain.NewParseError(domain.ParseMalformed, "negative price level")
	}
	if f.Confidence < p.MinConfidence {
		return domain.TradeSignal{}, domain.NewParseError(domain.ParseAmbiguous, "confidence %.2f below %.2f", f.Confidence, p.MinConfidence)
	}
	return domain.TradeSignal{
		SourceTimestamp:   raw.Timestamp,
		Symbol:            symbol,
		Direction:         dir,
		Confidence:        f.Confidence,
		RawTextRef:        raw.Ref(),
		ChannelID:         raw.ChannelID,
		PriceHint:         f.Price,
		StopPrice:         f.Stop,
		TargetPrice:       f.Target,
		ReportedProfitPct: f.ProfitPct,
	}, nil
}
