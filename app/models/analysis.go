package models

import (
	"strconv"
	"time"
)

type AnalysisType string

const (
	NoAnalysis        AnalysisType = ""
	NutritionAnalysis AnalysisType = "nutrition"
	RecipeAnalysis    AnalysisType = "recipe"
)

type Tier string

const (
	FreeTier    Tier = "free"
	PremiumTier Tier = "premium"
)

type TierLimits struct {
	DailyPhotos         int
	RefinementsPerPhoto int
}

// PhotoSession is the open conversation about the user's current photo.
type PhotoSession struct {
	ID                 string       `json:"id"`
	UserID             int64        `json:"user_id"`
	PhotoRef           string       `json:"photo_ref"`
	AccumulatedComment string       `json:"accumulated_comment"`
	MessageCount       int          `json:"message_count"`
	GptCallCount       int          `json:"gpt_call_count"`
	RefinementsUsed    int          `json:"refinements_used"`
	LastAnalysisType   AnalysisType `json:"last_analysis_type"`
	RecipeUsed         bool         `json:"recipe_used"`
	NutritionUsed      bool         `json:"nutrition_used"`
	StartedAt          *time.Time   `json:"started_at,omitempty"`
}

type UserContext struct{}
type ClientContext struct{}

func Int64ToString(v int64) string {
	return strconv.FormatInt(v, 10)
}
