// Package notify sends operational alerts to a Telegram chat.
//
// The notifier is optional. When no bot token or chat ID is configured every
// method is a no-op, so callers never need to guard their alert sites.
package notify

import (
	"fmt"
	"html"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/scanward/scanward/internal/platform/htmlutils"
)

// messageLimit is Telegram's per-message cap in UTF-16 code units.
const messageLimit = 4096

type Notifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
	logger *zerolog.Logger
}

// New creates a notifier. An empty token or zero chat ID yields a disabled
// notifier rather than an error.
func New(token string, chatID int64, logger *zerolog.Logger) (*Notifier, error) {
	n := &Notifier{chatID: chatID, logger: logger}

	if token == "" || chatID == 0 {
		logger.Info().Msg("alert notifier disabled: no bot token or chat configured")
		return n, nil
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("creating bot API: %w", err)
	}

	n.api = api

	return n, nil
}

// Enabled reports whether alerts will actually be delivered.
func (n *Notifier) Enabled() bool {
	return n != nil && n.api != nil
}

// Send delivers an HTML-formatted alert. Delivery failures are logged, never
// returned, so alerting cannot fail a run. Overlong messages are truncated
// rather than rejected by Telegram; error chains can get arbitrarily long.
func (n *Notifier) Send(text string) {
	if !n.Enabled() {
		return
	}

	msg := tgbotapi.NewMessage(n.chatID, htmlutils.TruncateHTML(text, messageLimit))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	if _, err := n.api.Send(msg); err != nil {
		n.logger.Error().Err(err).Msg("failed to send alert")
	}
}

// BudgetThreshold alerts that daily spend crossed a fraction of the budget.
func (n *Notifier) BudgetThreshold(used, budget float64, percent int) {
	n.Send(fmt.Sprintf("⚠️ Analysis spend at %d%% of daily budget: $%.2f of $%.2f used.", percent, used, budget))
}

// BudgetExhausted alerts that the daily budget is fully consumed.
func (n *Notifier) BudgetExhausted(used, budget float64) {
	n.Send(fmt.Sprintf("🛑 Daily analysis budget exhausted: $%.2f of $%.2f used. Remaining work deferred to tomorrow.", used, budget))
}

// InfringementConfirmed alerts on a confirmed positive verdict.
func (n *Notifier) InfringementConfirmed(title, platformVideoID string, confidence float32) {
	n.Send(fmt.Sprintf(
		"🚨 Confirmed infringement: <b>%s</b> (video %s, confidence %.2f)",
		html.EscapeString(title), html.EscapeString(platformVideoID), confidence,
	))
}

// RunFailed alerts that a discovery run ended in an error.
func (n *Notifier) RunFailed(runID string, err error) {
	n.Send(fmt.Sprintf("❌ Discovery run %s failed: %s", html.EscapeString(runID), html.EscapeString(err.Error())))
}

// KeywordPhaseSkipped alerts that the keyword phase was skipped for lack of quota.
func (n *Notifier) KeywordPhaseSkipped(maxQuota int) {
	n.Send(fmt.Sprintf("⚠️ Keyword search skipped: daily quota %d is below the minimum for a search allocation.", maxQuota))
}
