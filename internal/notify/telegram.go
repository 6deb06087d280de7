// Package notify forwards pipeline alerts to an operator Telegram chat.
// The core never notifies anyone itself; this sink just watches the bus.
package notify

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"newsflow/internal/eventbus"
	"newsflow/internal/orchestrator"
	"newsflow/internal/pipeline"
	logx "newsflow/pkg/logx"
)

type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	RatePerSec int // default 1
}

// Service subscribes to alert-worthy events and sends them to one chat.
// Sends are best-effort: a Telegram outage never blocks the pipeline.
type Service struct {
	mu  sync.Mutex
	cfg Config

	log     logx.Logger
	bus     eventbus.Bus
	bot     *tele.Bot
	limiter *rate.Limiter

	stopCh   chan struct{}
	stopDone chan struct{}
	wg       sync.WaitGroup
	unsub    func()
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	return &Service{cfg: cfg, log: log, bus: bus}
}

func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled || s.stopCh != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if strings.TrimSpace(cfg.Token) == "" || cfg.ChatID == 0 {
		return fmt.Errorf("notify: token and chat_id are required")
	}

	// Send-only client: no poller, and Offline skips the getMe round-trip so
	// startup does not depend on Telegram being reachable.
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}

	events, unsub := s.bus.SubscribeTypes(64,
		pipeline.EventAlert,
		orchestrator.EventTaskFailed,
		orchestrator.EventAgentHealth,
	)

	s.mu.Lock()
	s.bot = bot
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	s.unsub = unsub
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in notify worker", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				s.deliver(ev)
			}
		}
	}()

	s.log.Info("notify sink started", logx.Int("rate_per_sec", cfg.RatePerSec))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}

	go func() {
		s.wg.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.bot = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("notify sink stopped")
	case <-ctx.Done():
	}
}

func (s *Service) deliver(ev eventbus.Event) {
	msg := format(ev)
	if msg == "" {
		return
	}

	s.mu.Lock()
	bot := s.bot
	limiter := s.limiter
	chatID := s.cfg.ChatID
	s.mu.Unlock()
	if bot == nil {
		return
	}
	if !limiter.Allow() {
		s.log.Debug("alert dropped by rate limit", logx.String("type", ev.Type))
		return
	}

	if _, err := bot.Send(tele.ChatID(chatID), msg); err != nil {
		s.log.Warn("alert send failed", logx.String("type", ev.Type), logx.Err(err))
	}
}

func format(ev eventbus.Event) string {
	switch data := ev.Data.(type) {
	case pipeline.AlertEvent:
		return fmt.Sprintf("⚠️ pipeline alert\nstage: %s\n%s", data.Stage, data.Reason)
	case orchestrator.TaskEvent:
		if ev.Type != orchestrator.EventTaskFailed {
			return ""
		}
		return fmt.Sprintf("❌ task failed\nstage: %s\nkind: %s\nattempts: %d\n%s",
			data.Stage, data.Kind, data.Attempts, truncate(data.Error, 400))
	case orchestrator.HealthEvent:
		if data.Healthy {
			return fmt.Sprintf("✅ agent recovered\nstage: %s", data.Stage)
		}
		return fmt.Sprintf("🔴 agent unhealthy\nstage: %s\nconsecutive errors: %d\n%s",
			data.Stage, data.ConsecutiveErrors, truncate(data.LastError, 400))
	default:
		return ""
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back up to a rune boundary so the cut never splits a multibyte rune.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
