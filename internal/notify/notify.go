package notify

import (
	"context"
	"errors"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/zap"
)

// Telegram sends operator notices (halts, drift) to one chat.
type Telegram struct {
	Bot    *telego.Bot
	ChatID int64
}

func (t *Telegram) Notify(ctx context.Context, text string) error {
	if t == nil || t.Bot == nil || t.ChatID == 0 {
		return nil
	}
	_, err := t.Bot.SendMessage(ctx, tu.Message(tu.ID(t.ChatID), text))
	return err
}

// Log writes notices to the log; used when no chat is configured.
type Log struct {
	Logger *zap.Logger
}

func (l Log) Notify(_ context.Context, text string) error {
	if l.Logger != nil {
		l.Logger.Warn("operator notice", zap.String("text", text))
	}
	return nil
}

type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, text string) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
