// Package bot provides the Telegram operator surface.
//
// telegram.go - notifications for engine events plus a small command set
// (/status, /pause, /resume, /positions). Observers never feed back into
// the trading path; commands go through the risk tracker only.
package bot

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/halcyonfund/halcyon/execution"
	"github.com/halcyonfund/halcyon/feeds"
	"github.com/halcyonfund/halcyon/internal/config"
	"github.com/halcyonfund/halcyon/risk"
	"github.com/halcyonfund/halcyon/types"
)

var hundred = decimal.NewFromInt(100)

// StatsFunc supplies the operator status snapshot.
type StatsFunc func() map[string]interface{}

// Bot relays engine events to the operator chat and answers commands.
type Bot struct {
	api       *tgbotapi.BotAPI
	cfg       config.TelegramConfig
	tracker   *risk.Tracker
	portfolio *execution.Portfolio
	market    *feeds.MarketState
	stats     StatsFunc
	stopCh    chan struct{}
}

// New connects the bot. Returns nil without error when disabled.
func New(cfg config.TelegramConfig, tracker *risk.Tracker,
	portfolio *execution.Portfolio, market *feeds.MarketState,
	stats StatsFunc) (*Bot, error) {

	if !cfg.Enabled {
		return nil, nil
	}
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot connected")

	return &Bot{
		api:       api,
		cfg:       cfg,
		tracker:   tracker,
		portfolio: portfolio,
		market:    market,
		stats:     stats,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start begins the command listener.
func (b *Bot) Start() {
	go b.listenForCommands()
}

// Stop stops the command listener.
func (b *Bot) Stop() {
	close(b.stopCh)
}

// Notify formats one engine event for the operator chat. Subscribe this
// on the event bus.
func (b *Bot) Notify(ev types.Event) {
	if b.cfg.ChatID == 0 {
		return
	}
	var emoji string
	switch ev.Type {
	case types.EventTradeExecuted:
		emoji = "💰"
	case types.EventStopTriggered:
		emoji = "🎯"
	case types.EventSignalRejected:
		emoji = "🚫"
	case types.EventRiskHalt:
		emoji = "🛑"
	case types.EventRiskResumed:
		emoji = "🟢"
	case types.EventStrategyRollback:
		emoji = "⏪"
	case types.EventScanComplete:
		return // too chatty for a phone
	case types.EventSystemOnline:
		emoji = "🚀"
	case types.EventSystemShutdown:
		emoji = "👋"
	case types.EventWebsocketFeedLost:
		emoji = "📡"
	default:
		emoji = "ℹ️"
	}

	text := fmt.Sprintf("%s *%s*", emoji, strings.ReplaceAll(string(ev.Type), "_", " "))
	if ev.Symbol != "" {
		text += "\n*Symbol:* " + escapeMarkdown(ev.Symbol)
	}
	if ev.Detail != "" {
		text += "\n" + escapeMarkdown(ev.Detail)
	}
	if err := b.sendMarkdown(b.cfg.ChatID, text); err != nil {
		log.Warn().Err(err).Str("type", string(ev.Type)).Msg("Telegram notification failed")
	}
}

func (b *Bot) listenForCommands() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message != nil {
				b.handleMessage(update.Message)
			}
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bot) handleMessage(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	// Commands are accepted from the configured operator chat only.
	if b.cfg.ChatID != 0 && chatID != b.cfg.ChatID {
		log.Warn().Int64("chat_id", chatID).Msg("Ignoring command from unknown chat")
		return
	}
	if !msg.IsCommand() {
		return
	}

	switch msg.Command() {
	case "start", "help":
		b.cmdHelp(chatID)
	case "status":
		b.cmdStatus(chatID)
	case "positions":
		b.cmdPositions(chatID)
	case "pause":
		b.tracker.Pause("operator command", time.Now())
		b.sendText(chatID, "⏸️ Trading paused. Open positions keep their stops; use /resume to continue.")
	case "resume":
		b.tracker.Resume(time.Now())
		b.sendText(chatID, "▶️ Trading resumed.")
	default:
		b.sendText(chatID, "❓ Unknown command. Use /help for available commands.")
	}
}

func (b *Bot) cmdHelp(chatID int64) {
	b.sendMarkdown(chatID, `📚 *Halcyon Commands*

/status - Engine, risk and portfolio status
/positions - Open positions with marks
/pause - Pause new entries (closes still run)
/resume - Resume after pause or halt
/help - This message`)
}

func (b *Bot) cmdStatus(chatID int64) {
	stats := b.stats()

	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("📊 *Engine Status*\n\n")
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf("• %s: `%v`\n", strings.ReplaceAll(k, "_", " "), stats[k]))
	}
	b.sendMarkdown(chatID, sb.String())
}

func (b *Bot) cmdPositions(chatID int64) {
	positions := b.portfolio.Positions()
	if len(positions) == 0 {
		b.sendText(chatID, "📭 No open positions.")
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("📈 *Open Positions* (%d)\n\n", len(positions)))
	for _, pos := range positions {
		line := fmt.Sprintf("*%s* [%s]\n├ Qty: %s @ %s\n",
			escapeMarkdown(pos.Symbol), escapeMarkdown(pos.Tag),
			pos.Qty.String(), pos.AvgEntry.StringFixed(2))
		if quote, ok := b.market.Quote(pos.Symbol); ok && quote.Price.IsPositive() {
			line += fmt.Sprintf("├ Mark: %s (%s%%)\n",
				quote.Price.StringFixed(2),
				pos.UnrealizedPct(quote.Price).Mul(hundred).StringFixed(2))
		}
		line += fmt.Sprintf("└ Opened: %s\n\n", pos.OpenedAt.Format("Jan 02 15:04"))
		sb.WriteString(line)
	}
	b.sendMarkdown(chatID, sb.String())
}

// Helpers

func (b *Bot) sendText(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) sendMarkdown(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "Markdown"
	msg.DisableWebPagePreview = true
	_, err := b.api.Send(msg)
	return err
}

func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"]", "\\]",
		"`", "\\`",
	)
	return replacer.Replace(s)
}
