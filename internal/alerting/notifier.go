package alerting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// Notification 封装一次需要关注的采集运行。
type Notification struct {
	Market        string
	RangeStart    time.Time
	RangeEnd      time.Time
	Status        string
	Windows       int
	Skipped       []time.Time
	Failed        []time.Time
	Records       int
	Inserted      int
	Error         string
	AdditionalMsg string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	client   *resty.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		client:   client,
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

type sendMessageResult struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Notify calls sendMessage with the rendered report.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	var result sendMessageResult
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"chat_id": n.chatID,
			"text":    renderMessage(note),
		}).
		SetResult(&result).
		SetError(&result).
		Post(fmt.Sprintf("/bot%s/sendMessage", n.botToken))
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}

	if resp.IsError() {
		return fmt.Errorf("telegram returned status %d: %s", resp.StatusCode(), result.Description)
	}
	if !result.OK {
		return fmt.Errorf("telegram returned ok=false: %s", result.Description)
	}

	n.logger.Info().
		Str("market", note.Market).
		Str("status", note.Status).
		Msg("run report sent (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[IEX %s ingestion: %s]\n", strings.ToUpper(note.Market), note.Status))
	builder.WriteString(fmt.Sprintf("Range: %s .. %s\n", note.RangeStart.Format("2006-01-02"), note.RangeEnd.Format("2006-01-02")))
	builder.WriteString(fmt.Sprintf("Windows: %d (skipped %d, failed %d)\n", note.Windows, len(note.Skipped), len(note.Failed)))
	builder.WriteString(fmt.Sprintf("Records: %d parsed, %d new\n", note.Records, note.Inserted))
	if len(note.Skipped) > 0 {
		builder.WriteString("Skipped: " + joinDays(note.Skipped) + "\n")
	}
	if len(note.Failed) > 0 {
		builder.WriteString("Failed: " + joinDays(note.Failed) + "\n")
	}
	if note.Error != "" {
		builder.WriteString(fmt.Sprintf("Error: %s\n", note.Error))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

func joinDays(days []time.Time) string {
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = d.Format("2006-01-02")
	}
	return strings.Join(parts, ", ")
}

var _ Notifier = (*TelegramNotifier)(nil)
