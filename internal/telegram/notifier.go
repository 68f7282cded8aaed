package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/ticketdesk/internal/delivery"
)

const maxTelegramMessage = 4096

// TargetPrefix is the delivery target prefix handled by the Notifier.
const TargetPrefix = "telegram:"

// sender is the subset of the bot API used to post messages.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier posts ticket notifications to Telegram chats.
type Notifier struct {
	bot  *tgbotapi.BotAPI
	send sender
}

// New creates a Telegram notifier and verifies the bot token.
func New(token string) (*Notifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Notifier{bot: bot, send: bot}, nil
}

// Target returns the delivery target for a chat.
func Target(chatID int64) string {
	return TargetPrefix + strconv.FormatInt(chatID, 10)
}

// Deliver implements delivery.Handler for "telegram:<chat_id>" targets.
func (n *Notifier) Deliver(_ context.Context, target string, note delivery.Notification) error {
	chatID, err := strconv.ParseInt(strings.TrimPrefix(target, TargetPrefix), 10, 64)
	if err != nil {
		return fmt.Errorf("parse telegram target %q: %w", target, err)
	}
	return n.SendTo(chatID, note.Text())
}

// SendTo posts text to a chat, splitting it to fit Telegram's limit.
// Markdown is tried first; a part that fails to parse is resent as plain text.
func (n *Notifier) SendTo(chatID int64, text string) error {
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := n.send.Send(msg); err != nil {
			msg.ParseMode = ""
			if _, err := n.send.Send(msg); err != nil {
				return fmt.Errorf("send telegram message: %w", err)
			}
		}
	}
	return nil
}

// Listen long-polls for bot commands until ctx is cancelled. It answers
// /start and /chatid with the chat id to put in telegram.chat_id.
func (n *Notifier) Listen(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := n.bot.GetUpdatesChan(u)
	for {
		select {
		case update := <-updates:
			if update.Message == nil {
				continue
			}
			n.handleCommand(update.Message)
		case <-ctx.Done():
			n.bot.StopReceivingUpdates()
			return
		}
	}
}

func (n *Notifier) handleCommand(msg *tgbotapi.Message) {
	if !msg.IsCommand() {
		return
	}
	chatID := msg.Chat.ID

	var reply string
	switch msg.Command() {
	case "start", "chatid":
		reply = fmt.Sprintf("This chat's id is %d. Set telegram.chat_id to it to receive ticket notifications here.", chatID)
	default:
		reply = "Unknown command. Available: /start, /chatid"
	}
	if err := n.SendTo(chatID, reply); err != nil {
		slog.Warn("telegram command reply failed", "chat_id", chatID, "error", err)
	}
}

// splitMessage cuts text into parts of at most maxTelegramMessage runes,
// never splitting a multi-byte character.
func splitMessage(text string) []string {
	if utf8.RuneCountInString(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	runes := []rune(text)
	for len(runes) > 0 {
		end := min(maxTelegramMessage, len(runes))
		parts = append(parts, string(runes[:end]))
		runes = runes[end:]
	}
	return parts
}
