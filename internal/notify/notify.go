// Package notify delivers bot messages to users.
package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"
	"leadflow/internal/domain"
	"leadflow/internal/ratelimit"
)

type Sender interface {
	Send(ctx context.Context, userID int64, text string) error
}

type TelegramConfig struct {
	Token         string
	PollTimeout   time.Duration
	RatePerSecond float64
	RetryMax      int
}

// messenger is the part of *tele.Bot used for sending.
type messenger interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Telegram sends through the Bot API, paced by a process-wide limiter.
type Telegram struct {
	bot     *tele.Bot
	msg     messenger
	limiter *rate.Limiter
	retry   int
	log     zerolog.Logger

	runMu   sync.Mutex
	running bool
}

func NewTelegram(cfg TelegramConfig, log zerolog.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	t := newTelegram(b, cfg, log)
	t.bot = b
	return t, nil
}

func newTelegram(m messenger, cfg TelegramConfig, log zerolog.Logger) *Telegram {
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 25
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &Telegram{msg: m, limiter: rate.NewLimiter(rate.Limit(rps), burst), retry: cfg.RetryMax, log: log}
}

// Send delivers text to the user's private chat. Errors meaning the user can
// never be reached are wrapped with domain.ErrPermanent.
func (t *Telegram) Send(ctx context.Context, userID int64, text string) error {
	var last error
	for i := 0; i <= t.retry; i++ {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err := t.msg.Send(&tele.Chat{ID: userID}, text, &tele.SendOptions{DisableWebPagePreview: true})
		if err == nil {
			return nil
		}
		if unreachable(err) {
			return domain.Permanent(err)
		}
		last = err
		if i == t.retry {
			break
		}
		delay := time.Duration(200+100*i) * time.Millisecond
		t.log.Debug().Err(err).Int64("user_id", userID).Int("attempt", i+2).Dur("delay", delay).Msg("send retry scheduled")
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return ctx.Err()
		case <-tmr.C:
		}
	}
	return last
}

func unreachable(err error) bool {
	return errors.Is(err, tele.ErrBlockedByUser) ||
		errors.Is(err, tele.ErrChatNotFound) ||
		errors.Is(err, tele.ErrUserIsDeactivated)
}

// Handle registers an update handler on the bot.
func (t *Telegram) Handle(endpoint interface{}, h tele.HandlerFunc, m ...tele.MiddlewareFunc) {
	if t.bot != nil {
		t.bot.Handle(endpoint, h, m...)
	}
}

// Use installs global middleware.
func (t *Telegram) Use(m ...tele.MiddlewareFunc) {
	if t.bot != nil {
		t.bot.Use(m...)
	}
}

// Start begins long polling until ctx is done.
func (t *Telegram) Start(ctx context.Context) {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.bot == nil || t.running {
		return
	}
	t.running = true
	go func() {
		<-ctx.Done()
		t.bot.Stop()
	}()
	go func() {
		t.log.Info().Msg("polling started")
		t.bot.Start()
		t.log.Info().Msg("polling stopped")
	}()
}

// LogSender logs messages instead of sending them. Used when no bot token is
// configured.
type LogSender struct {
	log zerolog.Logger

	mu   sync.Mutex
	sent int
}

func NewLogSender(log zerolog.Logger) *LogSender { return &LogSender{log: log} }

func (s *LogSender) Send(_ context.Context, userID int64, text string) error {
	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
	s.log.Info().Int64("user_id", userID).Int("len", len(text)).Msg("message (not sent, no bot token)")
	return nil
}

func (s *LogSender) Sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

const throttleWarning = "Please slow down a little and try again in a moment."

// ThrottleMiddleware drops updates from users over the soft limit and tells
// them once per cooldown.
func ThrottleMiddleware(s *ratelimit.Soft) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			u := c.Sender()
			if u == nil {
				return next(c)
			}
			d := s.Check(ratelimit.UserKey(u.ID))
			if d.Allowed {
				return next(c)
			}
			if !d.Warn {
				return nil
			}
			if c.Callback() != nil {
				return c.Respond(&tele.CallbackResponse{Text: throttleWarning, ShowAlert: true})
			}
			return c.Send(throttleWarning)
		}
	}
}
