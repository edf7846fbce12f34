package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dishvision/m/v2/app/db/redis"
	"dishvision/m/v2/app/models"
	"dishvision/m/v2/app/promo"
	"dishvision/m/v2/app/quota"
	"dishvision/m/v2/app/util"

	"github.com/mymmrac/telego"
	log "github.com/sirupsen/logrus"
)

type Command string

const ONBOARDING_TEXT = `Hi! I'm a nutrition assistant 🥗

Send me a photo of your meal and I will:
- 🔥 estimate calories, protein, fat and carbohydrates
- 🍳 write a recipe for the dish

Describe the dish in a message (ingredients, portion, how it was cooked) to make the estimate more accurate, and correct me if I got something wrong.

/status - your limits and premium
/buy - premium and analyses packs
/promo CODE - activate a promo code`

const (
	StartCommand  Command = "/start"
	HelpCommand   Command = "/help"
	StatusCommand Command = "/status"
	BuyCommand    Command = "/buy"
	PromoCommand  Command = "/promo"

	// admin commands
	ResetLimitsCommand   Command = "/resetlimits"
	PremiumOnCommand     Command = "/premiumon"
	PremiumOffCommand    Command = "/premiumoff"
	GeneratePromoCommand Command = "/genpromo"
	BanCommand           Command = "/ban"

	// commands setting for BotFather
	Commands string = `
start - 🚀 how to use the bot
status - 📊 limits and premium
buy - ⭐ premium and analyses packs
promo - 🎁 activate a promo code
help - ❓ help
`
)

type CommandHandler struct {
	Command Command
	Handler func(context.Context, *Bot, *telego.Message)
}

type CommandHandlers []*CommandHandler

func newCommandHandlers() CommandHandlers {
	return CommandHandlers{
		newCommandHandler(StartCommand, startCommandHandler),
		newCommandHandler(HelpCommand, helpCommandHandler),
		newCommandHandler(StatusCommand, statusCommandHandler),
		newCommandHandler(BuyCommand, buyCommandHandler),
		newCommandHandler(PromoCommand, promoCommandHandler),
		newCommandHandler(ResetLimitsCommand, adminOnly(resetLimitsCommandHandler)),
		newCommandHandler(PremiumOnCommand, adminOnly(premiumCommandHandler(true))),
		newCommandHandler(PremiumOffCommand, adminOnly(premiumCommandHandler(false))),
		newCommandHandler(GeneratePromoCommand, adminOnly(generatePromoCommandHandler)),
		newCommandHandler(BanCommand, adminOnly(banCommandHandler)),
	}
}

func newCommandHandler(command Command, handler func(context.Context, *Bot, *telego.Message)) *CommandHandler {
	return &CommandHandler{
		Command: command,
		Handler: handler,
	}
}

func (c CommandHandlers) handleCommand(ctx context.Context, bot *Bot, message *telego.Message) {
	commandArray := strings.Fields(message.Text)
	commandString := ""
	if len(commandArray) > 0 {
		commandString = strings.ReplaceAll(commandArray[0], "@"+bot.Name, "")
	}
	command := Command(commandString)

	commandHandler := c.getCommandHandler(command)
	if commandHandler != nil {
		_ = bot.cfg.DataDogClient.Incr("command", []string{"command:" + string(command), "bot_name:" + bot.Name}, 1)
		commandHandler.Handler(ctx, bot, message)
	} else {
		unknownCommandHandler(ctx, bot, message)
	}
}

func (c CommandHandlers) getCommandHandler(command Command) *CommandHandler {
	for _, ch := range c {
		if ch.Command == command {
			return ch
		}
	}
	return nil
}

func unknownCommandHandler(ctx context.Context, bot *Bot, message *telego.Message) {
	_ = bot.cfg.DataDogClient.Incr("unknown_command", nil, 1)
	bot.send(util.GetChatID(message), "Unknown command \U0001f937", nil)
}

// adminOnly pretends the command does not exist for everyone else.
func adminOnly(handler func(context.Context, *Bot, *telego.Message)) func(context.Context, *Bot, *telego.Message) {
	return func(ctx context.Context, bot *Bot, message *telego.Message) {
		if !bot.cfg.IsAdmin(userIDOf(message)) {
			log.Warnf("Admin command %q from non admin %d", message.Text, userIDOf(message))
			unknownCommandHandler(ctx, bot, message)
			return
		}
		log.Infof("Admin command received: %q from %d", message.Text, userIDOf(message)) // audit
		handler(ctx, bot, message)
	}
}

func commandArgs(message *telego.Message) []string {
	fields := strings.Fields(message.Text)
	if len(fields) < 2 {
		return nil
	}
	return fields[1:]
}

func startCommandHandler(ctx context.Context, bot *Bot, message *telego.Message) {
	bot.send(util.GetChatID(message), ONBOARDING_TEXT, mainMenuKeyboard())
}

func helpCommandHandler(ctx context.Context, bot *Bot, message *telego.Message) {
	bot.send(util.GetChatID(message), ONBOARDING_TEXT, mainMenuKeyboard())
}

func statusCommandHandler(ctx context.Context, bot *Bot, message *telego.Message) {
	chatID := util.GetChatID(message)
	userID := userIDOf(message)
	now := bot.now()
	user, err := bot.services.Users.GetUser(ctx, userID)
	if err != nil {
		log.Errorf("Failed to get user %d: %v", userID, err)
		bot.send(chatID, somethingWentWrong, nil)
		return
	}
	remaining, err := bot.services.Ledger.RemainingDailyPhotos(ctx, user, now)
	if err != nil {
		log.Errorf("Failed to get remaining photos of user %d: %v", userID, err)
		bot.send(chatID, somethingWentWrong, nil)
		return
	}
	limits := bot.services.Ledger.LimitsOf(user, now)

	var sb strings.Builder
	sb.WriteString("👤 Your profile\n\n")
	if quota.EffectiveTier(user, now) == models.PremiumTier {
		sb.WriteString(premiumLine(user.PremiumUntil) + "\n")
	} else {
		sb.WriteString("Plan: free\n")
	}
	sb.WriteString(fmt.Sprintf("Photos left today: %d of %d\n", remaining, limits.DailyPhotos))
	sb.WriteString(fmt.Sprintf("Refinements per photo: %d\n", limits.RefinementsPerPhoto))
	if user.PaidPhotoBalance > 0 {
		sb.WriteString(fmt.Sprintf("Extra analyses: %d\n", user.PaidPhotoBalance))
	}
	sb.WriteString("\nMore analyses: /buy")
	bot.send(chatID, sb.String(), mainMenuKeyboard())
}

func buyCommandHandler(ctx context.Context, bot *Bot, message *telego.Message) {
	chatID := util.GetChatID(message)
	for _, product := range bot.services.Payments.Products() {
		_, err := bot.api.SendInvoice(&telego.SendInvoiceParams{
			ChatID:        chatID,
			Title:         product.Title,
			Description:   product.Description,
			Payload:       string(product.Payload),
			ProviderToken: "",
			Currency:      models.StarsCurrency,
			Prices:        []telego.LabeledPrice{{Label: product.Title, Amount: product.Stars}},
		})
		if err != nil {
			log.Errorf("Failed to send invoice %s to %s: %v", product.Payload, chatID, err)
			bot.send(chatID, somethingWentWrong, nil)
			return
		}
	}
	_ = bot.cfg.DataDogClient.Incr("telegram.invoices_sent", nil, 1)
}

func promoCommandHandler(ctx context.Context, bot *Bot, message *telego.Message) {
	chatID := util.GetChatID(message)
	args := commandArgs(message)
	if len(args) == 0 {
		bot.send(chatID, "Send the code like this: /promo ABCD1234", nil)
		return
	}
	userID := userIDOf(message)
	result, err := bot.services.Promo.Redeem(ctx, userID, args[0], bot.now())
	if err != nil {
		log.Errorf("Failed to redeem promo for user %d: %v", userID, err)
		bot.send(chatID, somethingWentWrong, nil)
		return
	}
	bot.send(chatID, promoResultText(result), mainMenuKeyboard())
}

func promoResultText(result promo.Result) string {
	switch result.Reason {
	case promo.ReasonOK:
		return fmt.Sprintf("🎁 Promo code activated: +%d days of premium.\n%s", result.DaysGranted, premiumLine(result.PremiumUntil))
	case promo.ReasonAlreadyUsed:
		return "You have already activated this promo code."
	case promo.ReasonBanned:
		return "Too many wrong promo codes. Try again in " + util.HumanDuration(result.BanFor) + "."
	}
	text := "This promo code is invalid or no longer active."
	if result.BanFor > 0 {
		text += "\nToo many wrong promo codes. Try again in " + util.HumanDuration(result.BanFor) + "."
	}
	return text
}

// targetUser is the id given as the first argument, or the admin themself.
func targetUser(message *telego.Message) (int64, error) {
	args := commandArgs(message)
	if len(args) == 0 {
		return userIDOf(message), nil
	}
	return strconv.ParseInt(args[0], 10, 64)
}

func resetLimitsCommandHandler(ctx context.Context, bot *Bot, message *telego.Message) {
	chatID := util.GetChatID(message)
	userID, err := targetUser(message)
	if err != nil {
		bot.send(chatID, "Usage: /resetlimits [telegram_id]", nil)
		return
	}
	if err := bot.services.Ledger.ResetDaily(ctx, userID, bot.now()); err != nil {
		log.Errorf("Failed to reset limits of user %d: %v", userID, err)
		bot.send(chatID, somethingWentWrong, nil)
		return
	}
	bot.send(chatID, fmt.Sprintf("Daily limit of %d is reset ✅", userID), nil)
}

func premiumCommandHandler(enable bool) func(context.Context, *Bot, *telego.Message) {
	return func(ctx context.Context, bot *Bot, message *telego.Message) {
		chatID := util.GetChatID(message)
		userID, err := targetUser(message)
		if err != nil {
			bot.send(chatID, "Usage: /premiumon or /premiumoff [telegram_id]", nil)
			return
		}
		user, err := bot.services.Users.GetUser(ctx, userID)
		if err != nil {
			log.Errorf("Failed to get user %d: %v", userID, err)
			bot.send(chatID, fmt.Sprintf("User %d not found", userID), nil)
			return
		}
		ok, err := bot.services.Users.SetPremium(ctx, userID, user.PremiumUntil, enable, nil)
		if err != nil || !ok {
			log.Errorf("Failed to set premium %v for user %d: %v", enable, userID, err)
			bot.send(chatID, somethingWentWrong, nil)
			return
		}
		if enable {
			bot.send(chatID, fmt.Sprintf("Unlimited premium is on for %d ⭐", userID), nil)
		} else {
			bot.send(chatID, fmt.Sprintf("Premium is off for %d", userID), nil)
		}
	}
}

// /genpromo <count> <days> [max_activations]
func generatePromoCommandHandler(ctx context.Context, bot *Bot, message *telego.Message) {
	chatID := util.GetChatID(message)
	args := commandArgs(message)
	usage := "Usage: /genpromo <count> <days> [max_activations]"
	if len(args) < 2 {
		bot.send(chatID, usage, nil)
		return
	}
	numbers := make([]int, 0, len(args))
	for _, arg := range args {
		n, err := strconv.Atoi(arg)
		if err != nil || n <= 0 {
			bot.send(chatID, usage, nil)
			return
		}
		numbers = append(numbers, n)
	}
	req := promo.GenerateRequest{Count: numbers[0], Days: numbers[1], CreatedBy: userIDOf(message)}
	if len(numbers) > 2 {
		req.MaxActivations = numbers[2]
	}
	codes, err := bot.services.Promo.Generate(ctx, req, bot.now())
	if err != nil {
		log.Errorf("Failed to generate promo codes: %v", err)
		bot.send(chatID, somethingWentWrong, nil)
		return
	}
	header := fmt.Sprintf("Generated %d codes for %d days:\n", len(codes), req.Days)
	for _, chunk := range util.ChunkString(header+strings.Join(codes, "\n"), maxMessageLength) {
		bot.send(chatID, chunk, nil)
	}
}

// /ban <telegram_id> [hours], no hours bans forever
func banCommandHandler(ctx context.Context, bot *Bot, message *telego.Message) {
	chatID := util.GetChatID(message)
	args := commandArgs(message)
	usage := "Usage: /ban <telegram_id> [hours]"
	if len(args) == 0 {
		bot.send(chatID, usage, nil)
		return
	}
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		bot.send(chatID, usage, nil)
		return
	}
	var duration time.Duration
	if len(args) > 1 {
		hours, err := strconv.Atoi(args[1])
		if err != nil || hours <= 0 {
			bot.send(chatID, usage, nil)
			return
		}
		duration = time.Duration(hours) * time.Hour
	}
	if err := redis.BanUser(ctx, bot.services.Redis, userID, duration); err != nil {
		log.Errorf("Failed to ban user %d: %v", userID, err)
		bot.send(chatID, somethingWentWrong, nil)
		return
	}
	if duration == 0 {
		bot.send(chatID, fmt.Sprintf("User %d is banned 🚫", userID), nil)
		return
	}
	bot.send(chatID, fmt.Sprintf("User %d is banned for %s 🚫", userID, util.HumanDuration(duration)), nil)
}
