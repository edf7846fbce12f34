package telegram

import (
	"fmt"
	"strings"

	"dishvision/m/v2/app/analysis"
	"dishvision/m/v2/app/util"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const maxMessageLength = 4000

// reply keyboard labels
const (
	AnalyzeMealButton = "📸 Analyze a meal"
	ProfileButton     = "👤 Profile"
	PremiumButton     = "⭐ Premium"
	HelpButton        = "❓ Help"

	NutritionButton = "🔥 Calories and nutrients"
	RecipeButton    = "🍳 Recipe"
	NewPhotoButton  = "📷 New photo"
	BackButton      = "⬅️ Back"
)

var analysisButtons = map[string]analysis.Button{
	NutritionButton: analysis.ButtonNutrition,
	RecipeButton:    analysis.ButtonRecipe,
	NewPhotoButton:  analysis.ButtonNewPhoto,
	BackButton:      analysis.ButtonBack,
}

func mainMenuKeyboard() *telego.ReplyKeyboardMarkup {
	return tu.Keyboard(
		tu.KeyboardRow(tu.KeyboardButton(AnalyzeMealButton)),
		tu.KeyboardRow(tu.KeyboardButton(ProfileButton), tu.KeyboardButton(PremiumButton)),
		tu.KeyboardRow(tu.KeyboardButton(HelpButton)),
	).WithResizeKeyboard()
}

// analysisKeyboard hides the analysis buttons once the photo cannot be refined any more.
func analysisKeyboard(canAnalyze bool) *telego.ReplyKeyboardMarkup {
	rows := [][]telego.KeyboardButton{}
	if canAnalyze {
		rows = append(rows, tu.KeyboardRow(tu.KeyboardButton(NutritionButton), tu.KeyboardButton(RecipeButton)))
	}
	rows = append(rows,
		tu.KeyboardRow(tu.KeyboardButton(NewPhotoButton)),
		tu.KeyboardRow(tu.KeyboardButton(BackButton)),
	)
	return tu.Keyboard(rows...).WithResizeKeyboard()
}

func backKeyboard() *telego.ReplyKeyboardMarkup {
	return tu.Keyboard(tu.KeyboardRow(tu.KeyboardButton(BackButton))).WithResizeKeyboard()
}

type reply struct {
	text     string
	keyboard *telego.ReplyKeyboardMarkup
}

// renderAction turns an orchestrator decision into chat messages.
func renderAction(action analysis.Action) []reply {
	switch action.Kind {
	case analysis.ActionBlocked:
		return []reply{{
			text: fmt.Sprintf("You have used all %d photo analyses for today 🙌\n\n"+
				"The limit resets tomorrow. Premium gives more analyses per day and an analyses pack never expires: /buy", action.Limit),
			keyboard: mainMenuKeyboard(),
		}}
	case analysis.ActionPromptForInput:
		switch action.Prompt {
		case analysis.PromptChooseAnalysis:
			return []reply{{
				text: "Photo received 👌\n\nChoose what to do with it. You can also describe the dish first " +
					"(ingredients, portion size, cooking method), that makes the estimate more accurate.",
				keyboard: analysisKeyboard(true),
			}}
		case analysis.PromptKeepTyping:
			return []reply{{
				text:     "Got it ✍️ Add more details or choose the analysis.",
				keyboard: analysisKeyboard(true),
			}}
		case analysis.PromptSendPhoto:
			return []reply{{text: "Send a photo of your meal 📷", keyboard: backKeyboard()}}
		}
	case analysis.ActionAnalysisResult:
		return renderResult(action)
	case analysis.ActionRefinementLimitReached:
		return []reply{{
			text:     "This photo can not be refined any more. Send a new photo to continue 📷",
			keyboard: analysisKeyboard(false),
		}}
	case analysis.ActionNeedPhotoFirst:
		return []reply{{text: "Send a photo of your meal first 📷", keyboard: mainMenuKeyboard()}}
	case analysis.ActionSessionExpired:
		return []reply{{text: "This photo session has expired ⌛ Please send the photo again.", keyboard: mainMenuKeyboard()}}
	case analysis.ActionAnalysisFailed:
		return []reply{{
			text:     "Could not analyze the photo right now 😔 Please try again in a minute.",
			keyboard: analysisKeyboard(true),
		}}
	case analysis.ActionMainMenu:
		return []reply{{text: "Main menu", keyboard: mainMenuKeyboard()}}
	}
	return nil
}

func renderResult(action analysis.Action) []reply {
	text := action.Text
	if action.CanRefineMore {
		text += fmt.Sprintf("\n\n✏️ Something is off? Send a correction or answer the questions above (%d left for this photo).", action.RefinementsLeft)
	}
	chunks := util.ChunkString(strings.TrimSpace(text), maxMessageLength)
	replies := make([]reply, 0, len(chunks))
	for i, chunk := range chunks {
		r := reply{text: chunk}
		if i == len(chunks)-1 {
			r.keyboard = analysisKeyboard(action.CanRefineMore)
		}
		replies = append(replies, r)
	}
	return replies
}
