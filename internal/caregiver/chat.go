package caregiver

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/gmsas95/medx/internal/store"
)

// TelegramSender messages dear ones who linked a Telegram chat.
type TelegramSender struct {
	send   func(chatID int64, text string) error
	logger *zap.Logger
}

// NewTelegramSender authorizes the bot token against the Bot API.
func NewTelegramSender(token string, logger *zap.Logger) (*TelegramSender, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	logger.Info("Telegram caregiver bot authorized", zap.String("username", bot.Self.UserName))

	return &TelegramSender{
		send: func(chatID int64, text string) error {
			_, err := bot.Send(tgbotapi.NewMessage(chatID, text))
			return err
		},
		logger: logger,
	}, nil
}

func (s *TelegramSender) Medium() string { return "telegram" }

func (s *TelegramSender) Send(_ context.Context, to store.DearOne, subject, body string) error {
	if to.TelegramChatID == 0 {
		return ErrNoAddress
	}
	if err := s.send(to.TelegramChatID, chatText(subject, body)); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// DiscordSender messages dear ones by Discord direct message.
type DiscordSender struct {
	dm     func(userID, text string) error
	logger *zap.Logger
}

// NewDiscordSender creates a REST-only session; no gateway connection is opened.
func NewDiscordSender(token string, logger *zap.Logger) (*DiscordSender, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}

	return &DiscordSender{
		dm: func(userID, text string) error {
			ch, err := session.UserChannelCreate(userID)
			if err != nil {
				return err
			}
			_, err = session.ChannelMessageSend(ch.ID, text)
			return err
		},
		logger: logger,
	}, nil
}

func (s *DiscordSender) Medium() string { return "discord" }

func (s *DiscordSender) Send(_ context.Context, to store.DearOne, subject, body string) error {
	if to.DiscordUserID == "" {
		return ErrNoAddress
	}
	if err := s.dm(to.DiscordUserID, chatText(subject, body)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

func chatText(subject, body string) string {
	return subject + "\n\n" + body
}
