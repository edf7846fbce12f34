package analysis

import (
	"strings"
	"unicode"

	"dishvision/m/v2/app/models"
)

type ActionKind string

const (
	ActionNone                   ActionKind = "none"
	ActionBlocked                ActionKind = "blocked"
	ActionPromptForInput         ActionKind = "prompt"
	ActionAnalysisResult         ActionKind = "result"
	ActionRefinementLimitReached ActionKind = "refinement_limit"
	ActionNeedPhotoFirst         ActionKind = "need_photo"
	ActionSessionExpired         ActionKind = "session_expired"
	ActionAnalysisFailed         ActionKind = "analysis_failed"
	ActionMainMenu               ActionKind = "main_menu"
)

type Prompt string

const (
	PromptChooseAnalysis Prompt = "choose_analysis"
	PromptKeepTyping     Prompt = "keep_typing"
	PromptSendPhoto      Prompt = "send_photo"
)

type Button string

const (
	ButtonNutrition Button = "nutrition"
	ButtonRecipe    Button = "recipe"
	ButtonNewPhoto  Button = "new_photo"
	ButtonBack      Button = "back"
)

// Action tells the chat layer what to render for an event.
type Action struct {
	Kind ActionKind

	// Blocked
	Limit int

	// PromptForInput
	Prompt Prompt

	// AnalysisResult
	Text            string
	AnalysisType    models.AnalysisType
	CanRefineMore   bool
	RefinementsLeft int
}

func (b Button) AnalysisType() models.AnalysisType {
	switch b {
	case ButtonNutrition:
		return models.NutritionAnalysis
	case ButtonRecipe:
		return models.RecipeAnalysis
	}
	return models.NoAnalysis
}

const followUpQuestionMarker = "⁉️"

// StripFollowUpQuestions drops the clarifying question lines of an answer.
func StripFollowUpQuestions(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimLeftFunc(line, unicode.IsSpace), followUpQuestionMarker) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
