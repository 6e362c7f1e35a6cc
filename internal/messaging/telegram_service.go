package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/ytbot-dev/ytbot/internal/models"
)

// DefaultUpdateTimeout is the long-poll timeout for the Telegram updates feed.
const DefaultUpdateTimeout = 30 // seconds, per the Bot API contract

// TelegramService implements Service using the Telegram Bot API.
type TelegramService struct {
	bot      *tgbotapi.BotAPI
	messages chan models.IncomingMessage

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// NewTelegramService creates a TelegramService for the given bot token.
// The Bot API client validates the token against the backend during
// construction, so a bad token or an unreachable API surfaces here.
func NewTelegramService(token string) (*TelegramService, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	slog.Debug("TelegramService created", "bot_username", bot.Self.UserName)
	return &TelegramService{
		bot:      bot,
		messages: make(chan models.IncomingMessage, DefaultChannelBufferSize),
	}, nil
}

// CheckConnection verifies the bot token against the Telegram API.
func (s *TelegramService) CheckConnection(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		_, err := s.bot.GetMe()
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("telegram connection check failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telegram connection check canceled: %w", ctx.Err())
	}
}

// SendMessage sends a text message to a chat.
func (s *TelegramService) SendMessage(ctx context.Context, chatID int64, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, body)
	if _, err := s.bot.Send(msg); err != nil {
		slog.Error("TelegramService SendMessage error", "error", err, "chat_id", chatID)
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	slog.Debug("TelegramService message sent", "chat_id", chatID, "body_length", len(body))
	return nil
}

// Start begins long-polling for updates and feeding them into the message
// channel. It returns an error if the service is already running.
func (s *TelegramService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("telegram service is already running")
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true

	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = DefaultUpdateTimeout
	updates := s.bot.GetUpdatesChan(cfg)

	go s.pollUpdates(ctx, updates)
	slog.Info("TelegramService started", "bot_username", s.bot.Self.UserName)
	return nil
}

// Stop halts update polling. It is safe to call multiple times and waits for
// the polling goroutine to exit before returning.
func (s *TelegramService) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	s.bot.StopReceivingUpdates()
	<-done
	slog.Info("TelegramService stopped")
	return nil
}

// Messages returns the channel of normalized incoming messages.
func (s *TelegramService) Messages() <-chan models.IncomingMessage {
	return s.messages
}

func (s *TelegramService) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || update.Message.From == nil || update.Message.Text == "" {
				continue
			}
			msg := models.IncomingMessage{
				ChatID:   update.Message.Chat.ID,
				UserID:   strconv.FormatInt(update.Message.From.ID, 10),
				Text:     update.Message.Text,
				Received: time.Unix(int64(update.Message.Date), 0),
			}
			select {
			case s.messages <- msg:
			default:
				slog.Warn("TelegramService message channel full, dropping update", "chat_id", msg.ChatID)
			}
		}
	}
}
