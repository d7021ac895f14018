package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"hotelbooking/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Notifier delivers a staff notification.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// Sender is the part of tgbotapi.BotAPI used for staff messages.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier posts plain-text messages to the staff chat.
type TelegramNotifier struct {
	bot    Sender
	chatID int64
	logger *zerolog.Logger
}

func NewTelegramNotifier(bot Sender, chatID int64, logger *zerolog.Logger) *TelegramNotifier {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &TelegramNotifier{bot: bot, chatID: chatID, logger: logger}
}

// NewTelegramBot connects to the Bot API with the staff bot token.
func NewTelegramBot(token string, debug bool) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	bot.Debug = debug
	return bot, nil
}

func (t *TelegramNotifier) Notify(ctx context.Context, n models.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.chatID == 0 {
		return errors.New("staff chat id is not configured")
	}

	msg := tgbotapi.NewMessage(t.chatID, FormatNotification(n))
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	t.logger.Debug().Str("kind", n.Kind).Int64("booking_id", n.BookingID).Msg("staff notified")
	return nil
}

// LogNotifier writes notifications to the log when no chat is configured.
type LogNotifier struct {
	logger *zerolog.Logger
}

func NewLogNotifier(logger *zerolog.Logger) *LogNotifier {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(_ context.Context, n models.Notification) error {
	ev := l.logger.Info()
	if n.Kind == models.NoticeRefundRequired {
		ev = l.logger.Warn()
	}
	ev.Str("kind", n.Kind).
		Int64("booking_id", n.BookingID).
		Int64("room_id", n.RoomID).
		Int64("payment_id", n.PaymentID).
		Msg(n.Text)
	return nil
}

var noticeTitles = map[string]string{
	models.NoticeBookingConfirmed: "Booking confirmed",
	models.NoticeBookingCancelled: "Booking cancelled",
	models.NoticePaymentFailed:    "Payment failed",
	models.NoticeRefundRequired:   "REFUND REQUIRED",
	models.NoticeGuestCheckedIn:   "Guest checked in",
	models.NoticeGuestCheckedOut:  "Guest checked out",
}

// FormatNotification renders the message body sent to staff.
func FormatNotification(n models.Notification) string {
	title, ok := noticeTitles[n.Kind]
	if !ok {
		title = n.Kind
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\nBooking #%d", title, n.BookingID)
	if n.RoomID > 0 {
		fmt.Fprintf(&b, ", room %d", n.RoomID)
	}
	if n.PaymentID > 0 {
		fmt.Fprintf(&b, ", payment #%d", n.PaymentID)
	}
	if n.Text != "" {
		b.WriteString("\n")
		b.WriteString(n.Text)
	}
	return b.String()
}
