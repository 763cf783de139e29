package bot

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/quadbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Cycle notifications & read-only commands
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   🌙 Night plan summary (regimes, leverage, ranked targets)
//   🌅 Morning summary (confirmations, executed actions, position diff)
//   🚨 Unprotected-position alerts
//   ⚠️ Cycle errors
//   🎛️ Commands (/status, /positions, /pending, /ping)
//
// ═══════════════════════════════════════════════════════════════════════════════

// Notifier receives cycle events. The Telegram bot and Nop implement it.
type Notifier interface {
	NotifyNight(s NightSummary)
	NotifyMorning(s MorningSummary)
	AlertUnprotected(ticker string, qty, stop decimal.Decimal, err error)
	NotifyError(step string, err error)
}

// StatusProvider backs the read-only commands
type StatusProvider interface {
	Positions() []types.Position
	Pending() ([]types.PendingEntry, error)
}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramBot manages the Telegram interface
type TelegramBot struct {
	mu      sync.RWMutex
	api     *tgbotapi.BotAPI
	out     sender
	chatID  int64
	running bool
	stopCh  chan struct{}

	status StatusProvider
}

// NewTelegramBot creates a new Telegram bot
func NewTelegramBot(token, chatIDStr string, status StatusProvider) (*TelegramBot, error) {
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN not set")
	}
	if chatIDStr == "" {
		return nil, fmt.Errorf("TELEGRAM_CHAT_ID not set")
	}

	chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	bot := newBot(api, chatID, status)
	bot.api = api

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	return bot, nil
}

func newBot(out sender, chatID int64, status StatusProvider) *TelegramBot {
	return &TelegramBot{
		out:    out,
		chatID: chatID,
		stopCh: make(chan struct{}),
		status: status,
	}
}

// SetStatus attaches the command data source
func (b *TelegramBot) SetStatus(status StatusProvider) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = status
}

// Start begins listening for commands
func (b *TelegramBot) Start() {
	b.mu.Lock()
	if b.running || b.api == nil {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.commandLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the bot
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}
	b.running = false
	close(b.stopCh)
	if b.api != nil {
		b.api.StopReceivingUpdates()
	}
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) NotifyNight(s NightSummary) {
	b.sendMarkdown(FormatNight(s))
}

func (b *TelegramBot) NotifyMorning(s MorningSummary) {
	b.sendMarkdown(FormatMorning(s))
}

// AlertUnprotected fires when a filled position has no working stop
func (b *TelegramBot) AlertUnprotected(ticker string, qty, stop decimal.Decimal, err error) {
	msg := fmt.Sprintf(`🚨 *UNPROTECTED POSITION*

📊 *%s* × %s
🛑 Intended stop: *$%s*
━━━━━━━━━━━━━━━━
`+"`%s`"+`

Place the stop manually or wait for the next morning cycle.`,
		ticker, qty.String(), stop.StringFixed(2), errText(err))
	b.sendMarkdown(msg)
}

// NotifyError sends an error alert
func (b *TelegramBot) NotifyError(step string, err error) {
	msg := fmt.Sprintf("⚠️ *%s CYCLE FAILED*\n\n`%s`", strings.ToUpper(step), errText(err))
	b.sendMarkdown(msg)
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			// Only respond to authorized chat
			if update.Message.Chat.ID != b.chatID {
				continue
			}
			b.handleCommand(update.Message.Command())
		}
	}
}

func (b *TelegramBot) handleCommand(cmd string) {
	switch strings.ToLower(cmd) {
	case "start", "help":
		b.cmdHelp()
	case "status", "positions":
		b.cmdPositions()
	case "pending":
		b.cmdPending()
	case "ping":
		b.send("🏓 Pong!")
	default:
		b.send("❓ Unknown command. Use /help")
	}
}

func (b *TelegramBot) cmdHelp() {
	msg := `🤖 *QUADBOT COMMANDS*
━━━━━━━━━━━━━━━━━━━━

💼 /positions - Tracked positions and stops
🌙 /pending - Entries waiting for the morning
🏓 /ping - Test connection`

	b.sendMarkdown(msg)
}

func (b *TelegramBot) provider() StatusProvider {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

func (b *TelegramBot) cmdPositions() {
	status := b.provider()
	if status == nil {
		b.send("❌ Positions not available")
		return
	}
	b.sendMarkdown(FormatPositions(status.Positions(), time.Now()))
}

func (b *TelegramBot) cmdPending() {
	status := b.provider()
	if status == nil {
		b.send("❌ Pending entries not available")
		return
	}
	entries, err := status.Pending()
	if err != nil {
		b.send("📭 Nothing staged")
		return
	}
	msg := fmt.Sprintf("🌙 *PENDING ENTRIES* (%d)\n━━━━━━━━━━━━━━━━━━━━\n\n", len(entries))
	for _, e := range entries {
		msg += fmt.Sprintf("• *%s* %.1f%% | EMA %.2f | ATR %.2f\n", e.Ticker, e.Weight*100, e.EMAAtSignal, e.ATR)
	}
	b.sendMarkdown(msg)
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) send(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.out.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := b.out.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func errText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return strings.ReplaceAll(err.Error(), "`", "'")
}

// Nop logs notifications instead of sending them
type Nop struct{}

func (Nop) NotifyNight(s NightSummary) {
	log.Debug().Int("staged", s.Staged).Msg("night summary (notifications off)")
}

func (Nop) NotifyMorning(s MorningSummary) {
	log.Debug().Int("confirmed", s.Confirmed).Msg("morning summary (notifications off)")
}

func (Nop) AlertUnprotected(string, decimal.Decimal, decimal.Decimal, error) {}

func (Nop) NotifyError(string, error) {}
