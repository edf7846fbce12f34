// main package to control telegram bot
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dishvision/m/v2/app/analysis"
	"dishvision/m/v2/app/config"
	"dishvision/m/v2/app/db/mongo"
	"dishvision/m/v2/app/db/redis"
	"dishvision/m/v2/app/lib"
	"dishvision/m/v2/app/models"
	"dishvision/m/v2/app/payments"
	"dishvision/m/v2/app/promo"
	"dishvision/m/v2/app/quota"
	"dishvision/m/v2/app/util"

	"github.com/fasthttp/router"
	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
)

const somethingWentWrong = "Something went wrong 😔 Please try again a bit later."

// sender is the part of the Bot API the handlers talk to.
type sender interface {
	SendMessage(params *telego.SendMessageParams) (*telego.Message, error)
	SendChatAction(params *telego.SendChatActionParams) error
	SendInvoice(params *telego.SendInvoiceParams) (*telego.Message, error)
	AnswerPreCheckoutQuery(params *telego.AnswerPreCheckoutQueryParams) error
}

// Services are the domain components behind the chat.
type Services struct {
	Orchestrator *analysis.Orchestrator
	Ledger       *quota.Ledger
	Promo        *promo.Service
	Payments     *payments.Service
	Users        mongo.MongoClient
	Redis        redis.Client
}

type Bot struct {
	*telego.Bot
	*th.BotHandler
	Name string

	api      sender
	cfg      *config.Config
	services Services
	commands CommandHandlers
	flood    *floodLimiter
	now      func() time.Time
	webhook  bool
}

// NewTelegoBot creates the API client and learns the bot name.
func NewTelegoBot(cfg *config.Config) (*telego.Bot, error) {
	bot, err := telego.NewBot(cfg.TelegramBotToken, telego.WithHealthCheck(), util.GetBotLoggerOption(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	botInfo, err := bot.GetMe()
	if err != nil {
		return nil, fmt.Errorf("failed to get bot info: %w", err)
	}
	log.Infof("Bot info: %+v", botInfo)
	cfg.BotName = botInfo.Username
	return bot, nil
}

// NewBot subscribes to updates, by webhook when a base url is configured, and starts handling them.
func NewBot(rtr *router.Router, cfg *config.Config, bot *telego.Bot, services Services) (*Bot, error) {
	b := newBot(cfg, bot, services)
	b.Bot = bot
	b.webhook = cfg.WebhookBaseURL != ""

	updates, err := signBotForUpdates(bot, rtr, cfg.WebhookBaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign bot for updates: %w", err)
	}
	bh, err := th.NewBotHandler(bot, updates, th.WithStopTimeout(time.Second*10))
	if err != nil {
		return nil, fmt.Errorf("failed to setup bot handler: %w", err)
	}
	bh.HandleMessage(func(_ *telego.Bot, message telego.Message) {
		b.handleMessage(message)
	})
	bh.HandlePreCheckoutQuery(func(_ *telego.Bot, query telego.PreCheckoutQuery) {
		b.handlePreCheckoutQuery(query)
	})
	go bh.Start()
	b.BotHandler = bh
	return b, nil
}

func newBot(cfg *config.Config, api sender, services Services) *Bot {
	return &Bot{
		Name:     cfg.BotName,
		api:      api,
		cfg:      cfg,
		services: services,
		commands: newCommandHandlers(),
		flood:    newFloodLimiter(time.Second, 5),
		now:      time.Now,
	}
}

func signBotForUpdates(bot *telego.Bot, rtr *router.Router, baseURL string) (<-chan telego.Update, error) {
	if baseURL == "" {
		log.Info("No webhook base url, using long polling")
		return bot.UpdatesViaLongPolling(nil)
	}
	return bot.UpdatesViaWebhook(
		"/bot"+bot.Token(),
		telego.WithWebhookSet(&telego.SetWebhookParams{
			URL:            baseURL + "/bot" + bot.Token(),
			AllowedUpdates: []string{"message", "pre_checkout_query"},
		}),
		telego.WithWebhookServer(telego.FastHTTPWebhookServer{
			Logger: log.StandardLogger(),
			Server: &fasthttp.Server{},
			Router: rtr,
		}),
	)
}

// Serve blocks serving HTTP. In webhook mode the webhook server owns the listener.
func (b *Bot) Serve(address string, handler fasthttp.RequestHandler) error {
	if b.webhook {
		return b.StartWebhook(address)
	}
	return fasthttp.ListenAndServe(address, handler)
}

func (b *Bot) Shutdown() {
	b.BotHandler.Stop()
	if b.webhook {
		if err := b.StopWebhook(); err != nil {
			log.Errorf("Shutdown: StopWebhook: %v", err)
		}
		return
	}
	b.StopLongPolling()
}

func userIDOf(message *telego.Message) int64 {
	if message.From != nil {
		return message.From.ID
	}
	return message.Chat.ID
}

func (b *Bot) handleMessage(message telego.Message) {
	chatID := util.GetChatID(&message)
	if message.Chat.Type != "private" {
		log.Debugf("Ignoring message in %s chat %d", message.Chat.Type, message.Chat.ID)
		return
	}
	userID := userIDOf(&message)
	if !b.flood.Allow(userID) {
		log.Infof("Dropping update of user %d, too many messages", userID)
		_ = b.cfg.DataDogClient.Incr("telegram.flood_dropped", nil, 1)
		return
	}

	now := b.now()
	_, ctx, cancelContext, err := lib.SetupUserAndContext(b.services.Users, b.services.Redis, b.cfg.DataDogClient, userID, lib.TelegramClientName, now)
	if err != nil {
		if errors.Is(err, lib.ErrUserBanned) {
			log.Infof("User %d is banned", userID)
			return
		}
		log.Errorf("Error setting up user and context: %v", err)
		b.send(chatID, somethingWentWrong, nil)
		return
	}
	defer cancelContext()

	switch {
	case message.SuccessfulPayment != nil:
		b.handleSuccessfulPayment(ctx, &message, now)
	case len(message.Photo) > 0:
		_ = b.cfg.DataDogClient.Incr("telegram.photo_received", nil, 1)
		// the last size is the largest one
		photo := message.Photo[len(message.Photo)-1]
		action, err := b.services.Orchestrator.OnPhotoReceived(ctx, userID, photo.FileID, message.Caption, now)
		b.respond(chatID, action, err)
	case strings.HasPrefix(message.Text, "/"):
		b.commands.handleCommand(ctx, b, &message)
	case message.Text != "":
		b.handleText(ctx, &message, now)
	default:
		b.send(chatID, "Send me a photo of your meal 📷 or a text message about it.", nil)
	}
}

func (b *Bot) handleText(ctx context.Context, message *telego.Message, now time.Time) {
	chatID := util.GetChatID(message)
	userID := userIDOf(message)
	text := strings.TrimSpace(message.Text)

	if button, ok := analysisButtons[text]; ok {
		_ = b.cfg.DataDogClient.Incr("telegram.button_pressed", []string{"button:" + string(button)}, 1)
		if button.AnalysisType() != models.NoAnalysis {
			b.sendTypingAction(chatID)
		}
		action, err := b.services.Orchestrator.OnButtonPressed(ctx, userID, button, now)
		b.respond(chatID, action, err)
		return
	}

	switch text {
	case AnalyzeMealButton:
		b.respond(chatID, analysis.Action{Kind: analysis.ActionPromptForInput, Prompt: analysis.PromptSendPhoto}, nil)
	case ProfileButton:
		statusCommandHandler(ctx, b, message)
	case PremiumButton:
		buyCommandHandler(ctx, b, message)
	case HelpButton:
		helpCommandHandler(ctx, b, message)
	default:
		_ = b.cfg.DataDogClient.Incr("telegram.text_message_received", nil, 1)
		b.sendTypingAction(chatID)
		action, err := b.services.Orchestrator.OnTextMessage(ctx, userID, message.Text, now)
		b.respond(chatID, action, err)
	}
}

func (b *Bot) respond(chatID telego.ChatID, action analysis.Action, err error) {
	if err != nil {
		log.Errorf("Failed to handle event in chat %s: %v", chatID, err)
		_ = b.cfg.DataDogClient.Incr("telegram.event_error", nil, 1)
		b.send(chatID, somethingWentWrong, nil)
		return
	}
	for _, r := range renderAction(action) {
		b.send(chatID, r.text, r.keyboard)
	}
}

func (b *Bot) handleSuccessfulPayment(ctx context.Context, message *telego.Message, now time.Time) {
	chatID := util.GetChatID(message)
	userID := userIDOf(message)
	sp := message.SuccessfulPayment
	outcome, err := b.services.Payments.HandleSuccessfulPayment(ctx, userID, payments.Payment{
		Payload:          sp.InvoicePayload,
		Currency:         sp.Currency,
		TotalAmount:      sp.TotalAmount,
		TelegramChargeID: sp.TelegramPaymentChargeID,
		ProviderChargeID: sp.ProviderPaymentChargeID,
	}, now)
	if err != nil {
		log.Errorf("Failed to deliver payment %s of user %d: %v", sp.TelegramPaymentChargeID, userID, err)
		b.send(chatID, "Payment received, but something went wrong while applying it. We'll sort it out, please contact support.", nil)
		return
	}
	if outcome.Duplicate {
		return
	}
	text := "Thank you for the purchase 🎉"
	if outcome.Product.PaidPhotos > 0 {
		text += fmt.Sprintf("\n+%d analyses added to your balance.", outcome.Product.PaidPhotos)
	}
	if outcome.Product.PremiumDays > 0 {
		text += "\n" + premiumLine(outcome.PremiumUntil)
	}
	b.send(chatID, text, mainMenuKeyboard())
}

func (b *Bot) handlePreCheckoutQuery(query telego.PreCheckoutQuery) {
	err := b.services.Payments.ValidatePreCheckout(query.InvoicePayload, query.Currency, query.TotalAmount)
	params := &telego.AnswerPreCheckoutQueryParams{PreCheckoutQueryID: query.ID, Ok: err == nil}
	if err != nil {
		log.Warnf("Rejecting pre-checkout %s of user %d: %v", query.ID, query.From.ID, err)
		params.ErrorMessage = "This offer is no longer available, please open /buy again."
	}
	if err := b.api.AnswerPreCheckoutQuery(params); err != nil {
		log.Errorf("Failed to answer pre-checkout %s: %v", query.ID, err)
	}
}

func premiumLine(until *time.Time) string {
	if until == nil {
		return "Premium is active without an end date ⭐"
	}
	return "Premium is active until " + until.UTC().Format("2006-01-02 15:04") + " UTC ⭐"
}

func (b *Bot) send(chatID telego.ChatID, text string, keyboard *telego.ReplyKeyboardMarkup) {
	params := tu.Message(chatID, text)
	if keyboard != nil {
		params = params.WithReplyMarkup(keyboard)
	}
	if _, err := b.api.SendMessage(params); err != nil {
		log.Errorf("Failed to send message to %s: %v", chatID, err)
	}
}

func (b *Bot) sendTypingAction(chatID telego.ChatID) {
	err := b.api.SendChatAction(&telego.SendChatActionParams{ChatID: chatID, Action: telego.ChatActionTyping})
	if err != nil {
		log.Errorf("Failed to send chat action: %v", err)
	}
}
