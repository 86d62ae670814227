package audit

import (
	"context"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	appconfig "balanceflow/config"
	"balanceflow/logger"
)

// TelegramNotifier delivers alert events to the operator chats. Normal
// alerts go to the main group; the alert group receives anomalies that
// need a human. When no separate alert chat is configured everything
// lands in the main one.
type TelegramNotifier struct {
	config   *appconfig.Config
	channels *Channels
	bot      *tgbotapi.BotAPI

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

// NewTelegramNotifier authorizes the bot against the Telegram API.
func NewTelegramNotifier(cfg *appconfig.Config, channels *Channels) (*TelegramNotifier, error) {
	tc := cfg.Audit.Telegram
	if tc.Token == "" {
		return nil, fmt.Errorf("telegram token not configured")
	}

	bot, err := tgbotapi.NewBotAPI(tc.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to authorize telegram bot: %w", err)
	}

	tn := &TelegramNotifier{
		config:   cfg,
		channels: channels,
		bot:      bot,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}

	tn.log.WithComponent("telegram_notifier").WithFields(logger.Fields{
		"bot":           bot.Self.UserName,
		"chat_id":       tc.ChatID,
		"alert_chat_id": tc.AlertChatID,
	}).Debug("telegram notifier initialized")
	return tn, nil
}

// Start launches the alert drain goroutine.
func (tn *TelegramNotifier) Start(ctx context.Context) error {
	tn.mu.Lock()
	if tn.running {
		tn.mu.Unlock()
		return fmt.Errorf("telegram notifier already running")
	}
	tn.running = true
	tn.ctx = ctx
	tn.mu.Unlock()

	tn.log.WithComponent("telegram_notifier").Debug("starting telegram notifier")

	tn.wg.Add(1)
	go tn.run()

	return nil
}

func (tn *TelegramNotifier) run() {
	defer tn.wg.Done()

	for {
		select {
		case <-tn.ctx.Done():
			return
		case alert, ok := <-tn.channels.AlertChan:
			if !ok {
				return
			}
			tn.deliver(alert)
		}
	}
}

func (tn *TelegramNotifier) deliver(alert AlertEvent) {
	chatID := tn.chatFor(alert.Group)
	if chatID == 0 {
		return
	}

	msg := tgbotapi.NewMessage(chatID, alert.Text)
	if _, err := tn.bot.Send(msg); err != nil {
		tn.log.WithComponent("telegram_notifier").WithError(err).WithFields(logger.Fields{
			"group":   alert.Group,
			"chat_id": chatID,
		}).Warn("failed to deliver alert")
		return
	}

	tn.log.WithComponent("telegram_notifier").WithFields(logger.Fields{
		"group": alert.Group,
		"bytes": len(alert.Text),
	}).Debug("alert delivered")
}

// chatFor maps a severity group to the destination chat.
func (tn *TelegramNotifier) chatFor(group string) int64 {
	tc := tn.config.Audit.Telegram
	if group == GroupAlert && tc.AlertChatID != 0 {
		return tc.AlertChatID
	}
	return tc.ChatID
}

// Stop waits for the drain goroutine after the context is cancelled.
func (tn *TelegramNotifier) Stop() {
	tn.mu.Lock()
	tn.running = false
	tn.mu.Unlock()

	tn.log.WithComponent("telegram_notifier").Debug("stopping telegram notifier")
	tn.wg.Wait()
	tn.log.WithComponent("telegram_notifier").Debug("telegram notifier stopped")
}
