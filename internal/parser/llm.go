package parser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signaltrader/internal/config"
	"signaltrader/internal/domain"
)

const extractPrompt = `You extract crypto futures trade signals from Telegram channel posts.
Answer with one JSON object and nothing else:
{"is_signal": bool, "symbol": "BTC/USDT", "direction": "long|short|close",
 "price": number, "stop": number, "target": number, "profit_pct": number|null,
 "confidence": number between 0 and 1}
Use 0 for levels the post does not state. profit_pct is the result the post
reports for a closed trade. Set is_signal false for news, chatter and ads.`

// LLMExtractor asks a chat completion model to read the message. Any
// transport or decoding failure is reported as ErrExtractionUnavailable.
type LLMExtractor struct {
	Client openai.Client
	Model  string
	Logger *zap.Logger
}

func NewLLMExtractor(cfg config.LLMConfig, logger *zap.Logger) *LLMExtractor {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// The parser's breaker owns retry policy.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &LLMExtractor{Client: openai.NewClient(opts...), Model: model, Logger: logger}
}

func (e *LLMExtractor) Name() string { return "llm" }

type llmAnswer struct {
	IsSignal   bool     `json:"is_signal"`
	Symbol     string   `json:"symbol"`
	Direction  string   `json:"direction"`
	Price      float64  `json:"price"`
	Stop       float64  `json:"stop"`
	Target     float64  `json:"target"`
	ProfitPct  *float64 `json:"profit_pct"`
	Confidence float64  `json:"confidence"`
}

func (e *LLMExtractor) Extract(ctx context.Context, text string) (Fields, error) {
	resp, err := e.Client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(e.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(extractPrompt),
			openai.UserMessage(text),
		},
		Temperature: openai.Float(0),
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && e.Logger != nil {
			e.Logger.Warn("llm extraction failed", zap.Int("status", apiErr.StatusCode), zap.Error(err))
		}
		return Fields{}, fmt.Errorf("%w: %v", ErrExtractionUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return Fields{}, fmt.Errorf("%w: empty completion", ErrExtractionUnavailable)
	}

	var ans llmAnswer
	if err := json.Unmarshal([]byte(stripFence(resp.Choices[0].Message.Content)), &ans); err != nil {
		return Fields{}, fmt.Errorf("%w: decode answer: %v", ErrExtractionUnavailable, err)
	}
	if !ans.IsSignal {
		return Fields{}, domain.NewParseError(domain.ParseMalformed, "not a trade signal")
	}
	f := Fields{
		Symbol:     ans.Symbol,
		Action:     ans.Direction,
		Price:      decimal.NewFromFloat(ans.Price),
		Stop:       decimal.NewFromFloat(ans.Stop),
		Target:     decimal.NewFromFloat(ans.Target),
		Confidence: ans.Confidence,
	}
	if ans.ProfitPct != nil {
		pct := decimal.NewFromFloat(*ans.ProfitPct)
		f.ProfitPct = &pct
	}
	return f, nil
}

// stripFence removes a ```json fence some models wrap their answer in.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
