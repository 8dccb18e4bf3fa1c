package domain

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionClose Direction = "close"
)

func ParseDirection(v string) (Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "long", "buy":
		return DirectionLong, true
	case "short":
		return DirectionShort, true
	case "close", "exit", "sell":
		return DirectionClose, true
	default:
		return "", false
	}
}

// RawSignal is an unparsed message as delivered by a signal source.
type RawSignal struct {
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"raw_text"`
	ChannelID string    `json:"channel_id"`
	MessageID int64     `json:"message_id,omitempty"`
}

// Ref identifies the raw message a signal was parsed from.
func (r RawSignal) Ref() string {
	if r.MessageID != 0 {
		return r.ChannelID + "/" + strconv.FormatInt(r.MessageID, 10)
	}
	return r.ChannelID + "@" + r.Timestamp.UTC().Format(time.RFC3339Nano)
}

// TradeSignal is a parsed trade intent. Values are copied, never mutated.
type TradeSignal struct {
	SourceTimestamp time.Time       `json:"source_timestamp"`
	Symbol          string          `json:"symbol"`
	Direction       Direction       `json:"direction"`
	Confidence      float64         `json:"confidence"`
	RawTextRef      string          `json:"raw_text_ref"`
	ChannelID       string          `json:"channel_id,omitempty"`
	PriceHint       decimal.Decimal `json:"price_hint"`
	StopPrice       decimal.Decimal `json:"stop_price"`
	TargetPrice     decimal.Decimal `json:"target_price"`
	// ReportedProfitPct is the channel's own result for a close signal, if it stated one.
	ReportedProfitPct *decimal.Decimal `json:"reported_profit_pct,omitempty"`
}

func (s TradeSignal) Opening() bool {
	return s.Direction == DirectionLong || s.Direction == DirectionShort
}

func (s TradeSignal) WithPrice(price decimal.Decimal) TradeSignal {
	next := s
	next.PriceHint = price
	return next
}

func (s TradeSignal) PositionSide() PositionSide {
	if s.Direction == DirectionShort {
		return PositionShort
	}
	return PositionLong
}
