package source

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	"go.uber.org/zap"

	"signaltrader/internal/config"
	"signaltrader/internal/domain"
)

// Submitter admits raw messages; the orchestrator satisfies it.
type Submitter interface {
	Submit(ctx context.Context, raw domain.RawSignal) error
}

// Telegram long-polls the bot for channel posts and submits those from the
// configured channels in the order Telegram delivers them.
type Telegram struct {
	Bot         *telego.Bot
	Target      Submitter
	Logger      *zap.Logger
	PollTimeout time.Duration

	channels map[int64]struct{}
}

func NewTelegram(bot *telego.Bot, cfg config.TelegramConfig, target Submitter, logger *zap.Logger) *Telegram {
	channels := make(map[int64]struct{}, len(cfg.ChannelIDs))
	for _, id := range cfg.ChannelIDs {
		channels[id] = struct{}{}
	}
	return &Telegram{
		Bot:         bot,
		Target:      target,
		Logger:      logger,
		PollTimeout: cfg.PollTimeout,
		channels:    channels,
	}
}

// Run blocks until ctx is done or the update stream ends.
func (t *Telegram) Run(ctx context.Context) error {
	timeout := int(t.PollTimeout / time.Second)
	if timeout <= 0 {
		timeout = 30
	}
	updates, err := t.Bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        timeout,
		AllowedUpdates: []string{"channel_post"},
	})
	if err != nil {
		return err
	}
	if t.Logger != nil {
		t.Logger.Info("telegram source started", zap.Int("channels", len(t.channels)))
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			t.Handle(ctx, upd)
		}
	}
}

// Handle submits one update when it is a text post from a watched channel.
func (t *Telegram) Handle(ctx context.Context, upd telego.Update) bool {
	msg := upd.ChannelPost
	if msg == nil {
		return false
	}
	if len(t.channels) > 0 {
		if _, ok := t.channels[msg.Chat.ID]; !ok {
			return false
		}
	}
	raw, ok := RawFromMessage(msg)
	if !ok {
		return false
	}
	if err := t.Target.Submit(ctx, raw); err != nil {
		if t.Logger != nil {
			t.Logger.Warn("submit channel post failed", zap.String("ref", raw.Ref()), zap.Error(err))
		}
		return false
	}
	return true
}

// RawFromMessage uses the caption for media posts. Posts without text are
// skipped.
func RawFromMessage(msg *telego.Message) (domain.RawSignal, bool) {
	if msg == nil {
		return domain.RawSignal{}, false
	}
	text := msg.Text
	if strings.TrimSpace(text) == "" {
		text = msg.Caption
	}
	if strings.TrimSpace(text) == "" {
		return domain.RawSignal{}, false
	}
	ts := time.Now().UTC()
	if msg.Date > 0 {
		ts = time.Unix(msg.Date, 0).UTC()
	}
	return domain.RawSignal{
		Timestamp: ts,
		Text:      text,
		ChannelID: strconv.FormatInt(msg.Chat.ID, 10),
		MessageID: int64(msg.MessageID),
	}, true
}
