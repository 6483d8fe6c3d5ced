package notify

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"marketpulse/pkg/logx"
)

// TelegramConfig configures the Telegram native channel.
type TelegramConfig struct {
	Token  string
	ChatID int64
}

// TelegramSender pushes notifications to a Telegram chat. Rate limited so a
// burst of marketplace activity cannot trip the bot API.
type TelegramSender struct {
	cfg     Config
	log     logx.Logger
	bot     *tele.Bot
	chatID  int64
	limiter *rate.Limiter
}

func NewTelegramSender(cfg Config, tg TelegramConfig, log logx.Logger) (*TelegramSender, error) {
	if strings.TrimSpace(tg.Token) == "" {
		return nil, errors.New("notify: telegram token is empty")
	}
	if tg.ChatID == 0 {
		return nil, errors.New("notify: telegram chat id is empty")
	}
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  tg.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSender{
		cfg:     cfg,
		log:     log,
		bot:     b,
		chatID:  tg.ChatID,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}, nil
}

func (s *TelegramSender) Send(ctx context.Context, n Notification) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	text := formatMessage(n)
	sctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := s.bot.Send(tele.ChatID(s.chatID), text, &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			DisableWebPagePreview: true,
		})
		done <- err
	}()
	select {
	case <-sctx.Done():
		return sctx.Err()
	case err := <-done:
		if err != nil {
			s.log.Debug("telegram send failed", logx.Err(err))
		}
		return err
	}
}

func (s *TelegramSender) Close() error {
	// telebot owns no background work until Start() is called, which this
	// sender never does (send-only).
	return nil
}

func formatMessage(n Notification) string {
	var b strings.Builder
	b.WriteString(prefixForPriority(n.Priority))
	b.WriteString("<b>")
	b.WriteString(escapeHTML(n.Title))
	b.WriteString("</b>")
	if n.Body != "" {
		b.WriteString("\n")
		b.WriteString(escapeHTML(n.Body))
	}
	return b.String()
}

func prefixForPriority(p string) string {
	switch p {
	case "high":
		return "\U0001F6A8 "
	case "medium":
		return "⚠️ "
	default:
		return ""
	}
}

func escapeHTML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}
