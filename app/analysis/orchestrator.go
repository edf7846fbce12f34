// Package analysis decides for every chat event whether a photo analysis runs
// and which quota pays for it.
package analysis

import (
	"context"
	"fmt"
	"time"

	"dishvision/m/v2/app/config"
	"dishvision/m/v2/app/lib"
	"dishvision/m/v2/app/models"
	"dishvision/m/v2/app/quota"
	"dishvision/m/v2/app/session"

	"github.com/DataDog/datadog-go/v5/statsd"
	log "github.com/sirupsen/logrus"
)

type Analyzer interface {
	Analyze(ctx context.Context, image []byte, comment string, analysisType models.AnalysisType) (string, error)
}

type ImageDownloader interface {
	Download(ctx context.Context, photoRef string) ([]byte, error)
}

type Users interface {
	EnsureUser(ctx context.Context, userID int64, now time.Time) (*models.MongoUser, bool, error)
}

type Orchestrator struct {
	users      Users
	ledger     *quota.Ledger
	sessions   *session.Manager
	downloader ImageDownloader
	analyzer   Analyzer
	locks      *lib.KeyedMutex
	metrics    statsd.ClientInterface

	messagesBeforeForcedAnalysis int
	analysisTimeout              time.Duration
	refundOnFailure              bool
}

func NewOrchestrator(cfg *config.Config, users Users, ledger *quota.Ledger, sessions *session.Manager, downloader ImageDownloader, analyzer Analyzer) *Orchestrator {
	return &Orchestrator{
		users:                        users,
		ledger:                       ledger,
		sessions:                     sessions,
		downloader:                   downloader,
		analyzer:                     analyzer,
		locks:                        lib.NewKeyedMutex(),
		metrics:                      cfg.DataDogClient,
		messagesBeforeForcedAnalysis: cfg.Limits.MessagesBeforeForcedAnalysis,
		analysisTimeout:              cfg.AnalysisTimeout,
		refundOnFailure:              cfg.RefundOnAnalysisFailure,
	}
}

// reservation is an analysis run that has been paid for and recorded in the
// session but not executed yet.
type reservation struct {
	userID          int64
	sessionID       string
	photoRef        string
	comment         string
	analysisType    models.AnalysisType
	spend           quota.Spend
	refinement      bool
	previous        models.PhotoSession
	gptCallCount    int
	canRefineMore   bool
	refinementsLeft int
}

func (o *Orchestrator) OnPhotoReceived(ctx context.Context, userID int64, photoRef string, caption string, now time.Time) (Action, error) {
	unlock := o.locks.Lock(userID)
	defer unlock()

	user, _, err := o.users.EnsureUser(ctx, userID, now)
	if err != nil {
		return Action{}, fmt.Errorf("OnPhotoReceived: %w", err)
	}
	// an expired session is dropped here and the photo goes through the quota check
	if _, expired, err := o.sessions.Load(ctx, userID, now); err != nil {
		return Action{}, fmt.Errorf("OnPhotoReceived: %w", err)
	} else if expired {
		o.event("photo", "session_expired")
	}

	available, err := o.ledger.TotalAvailableNow(ctx, user, now)
	if err != nil {
		return Action{}, fmt.Errorf("OnPhotoReceived: %w", err)
	}
	if available <= 0 {
		log.Infof("User %d has no photos left today, photo rejected", userID)
		o.event("photo", "blocked")
		return Action{Kind: ActionBlocked, Limit: o.ledger.LimitsOf(user, now).DailyPhotos}, nil
	}

	s, err := o.sessions.Start(ctx, userID, photoRef, caption, now)
	if err != nil {
		return Action{}, fmt.Errorf("OnPhotoReceived: %w", err)
	}
	log.Infof("User %d started photo session %s", userID, s.ID)
	o.event("photo", "session_started")
	return Action{Kind: ActionPromptForInput, Prompt: PromptChooseAnalysis}, nil
}

func (o *Orchestrator) OnButtonPressed(ctx context.Context, userID int64, button Button, now time.Time) (Action, error) {
	switch button {
	case ButtonNewPhoto:
		return o.newPhoto(ctx, userID, now)
	case ButtonBack:
		unlock := o.locks.Lock(userID)
		defer unlock()
		if err := o.sessions.Destroy(ctx, userID); err != nil {
			return Action{}, fmt.Errorf("OnButtonPressed: %w", err)
		}
		o.event("back", "main_menu")
		return Action{Kind: ActionMainMenu}, nil
	case ButtonNutrition, ButtonRecipe:
	default:
		return Action{}, fmt.Errorf("OnButtonPressed: unknown button %q", button)
	}

	unlock := o.locks.Lock(userID)
	res, action, err := o.reserveForButton(ctx, userID, button, now)
	unlock()
	if err != nil {
		return Action{}, fmt.Errorf("OnButtonPressed: %w", err)
	}
	if res == nil {
		o.event(string(button), string(action.Kind))
		return action, nil
	}
	return o.execute(ctx, res, string(button))
}

func (o *Orchestrator) reserveForButton(ctx context.Context, userID int64, button Button, now time.Time) (*reservation, Action, error) {
	user, _, err := o.users.EnsureUser(ctx, userID, now)
	if err != nil {
		return nil, Action{}, err
	}
	s, expired, err := o.sessions.Load(ctx, userID, now)
	if err != nil {
		return nil, Action{}, err
	}
	if expired {
		return nil, Action{Kind: ActionSessionExpired}, nil
	}
	if s == nil || s.PhotoRef == "" {
		return nil, Action{Kind: ActionNeedPhotoFirst}, nil
	}
	// switching the analysis type is allowed only once per photo
	if button == ButtonRecipe && s.RecipeUsed && s.NutritionUsed {
		return nil, Action{Kind: ActionRefinementLimitReached}, nil
	}
	return o.reserve(ctx, user, s, button.AnalysisType(), now)
}

func (o *Orchestrator) newPhoto(ctx context.Context, userID int64, now time.Time) (Action, error) {
	unlock := o.locks.Lock(userID)
	defer unlock()

	if err := o.sessions.Destroy(ctx, userID); err != nil {
		return Action{}, fmt.Errorf("newPhoto: %w", err)
	}
	user, _, err := o.users.EnsureUser(ctx, userID, now)
	if err != nil {
		return Action{}, fmt.Errorf("newPhoto: %w", err)
	}
	available, err := o.ledger.TotalAvailableNow(ctx, user, now)
	if err != nil {
		return Action{}, fmt.Errorf("newPhoto: %w", err)
	}
	if available <= 0 {
		o.event("new_photo", "blocked")
		return Action{Kind: ActionBlocked, Limit: o.ledger.LimitsOf(user, now).DailyPhotos}, nil
	}
	o.event("new_photo", "prompt")
	return Action{Kind: ActionPromptForInput, Prompt: PromptSendPhoto}, nil
}

func (o *Orchestrator) OnTextMessage(ctx context.Context, userID int64, text string, now time.Time) (Action, error) {
	unlock := o.locks.Lock(userID)
	res, action, err := o.reserveForText(ctx, userID, text, now)
	unlock()
	if err != nil {
		return Action{}, fmt.Errorf("OnTextMessage: %w", err)
	}
	if res == nil {
		o.event("text", string(action.Kind))
		return action, nil
	}
	return o.execute(ctx, res, "text")
}

func (o *Orchestrator) reserveForText(ctx context.Context, userID int64, text string, now time.Time) (*reservation, Action, error) {
	user, _, err := o.users.EnsureUser(ctx, userID, now)
	if err != nil {
		return nil, Action{}, err
	}
	s, expired, err := o.sessions.Load(ctx, userID, now)
	if err != nil {
		return nil, Action{}, err
	}
	if expired {
		return nil, Action{Kind: ActionSessionExpired}, nil
	}
	if s == nil || s.PhotoRef == "" {
		return nil, Action{Kind: ActionNeedPhotoFirst}, nil
	}
	if s.GptCallCount > 0 && s.RefinementsUsed >= o.ledger.LimitsOf(user, now).RefinementsPerPhoto {
		log.Infof("User %d has no refinements left for session %s, text dropped", userID, s.ID)
		return nil, Action{Kind: ActionRefinementLimitReached}, nil
	}

	session.AppendComment(s, text)
	s.MessageCount++
	if err = o.sessions.Save(ctx, s); err != nil {
		return nil, Action{}, err
	}

	analysisType := s.LastAnalysisType
	if s.GptCallCount == 0 {
		if s.MessageCount < o.messagesBeforeForcedAnalysis {
			return nil, Action{Kind: ActionPromptForInput, Prompt: PromptKeepTyping}, nil
		}
		log.Infof("User %d sent %d messages without choosing, forcing analysis", userID, s.MessageCount)
	}
	if analysisType == models.NoAnalysis {
		analysisType = models.NutritionAnalysis
	}
	return o.reserve(ctx, user, s, analysisType, now)
}

// reserve applies the refinement gate, charges the daily quota for the first
// run against a photo and the refinement budget for every later one.
func (o *Orchestrator) reserve(ctx context.Context, user *models.MongoUser, s *models.PhotoSession, analysisType models.AnalysisType, now time.Time) (*reservation, Action, error) {
	limits := o.ledger.LimitsOf(user, now)
	if s.RefinementsUsed >= limits.RefinementsPerPhoto {
		log.Infof("User %d used all %d refinements of session %s", user.ID, limits.RefinementsPerPhoto, s.ID)
		return nil, Action{Kind: ActionRefinementLimitReached}, nil
	}

	res := &reservation{
		userID:       user.ID,
		sessionID:    s.ID,
		photoRef:     s.PhotoRef,
		comment:      s.AccumulatedComment,
		analysisType: analysisType,
		spend:        quota.Spend{Source: quota.SourceNone},
		previous:     *s,
	}
	if s.GptCallCount == 0 {
		spend, err := o.ledger.ConsumeUnit(ctx, user, now)
		if err != nil {
			return nil, Action{}, err
		}
		if !spend.Spent() {
			log.Infof("User %d hit the daily limit of %d photos", user.ID, spend.Limit)
			return nil, Action{Kind: ActionBlocked, Limit: spend.Limit}, nil
		}
		res.spend = spend
	} else {
		session.RecordRefinement(s)
		res.refinement = true
	}
	session.RecordAnalysisRun(s, analysisType)
	res.gptCallCount = s.GptCallCount

	if err := o.sessions.Save(ctx, s); err != nil {
		if refundErr := o.ledger.Refund(ctx, user.ID, res.spend); refundErr != nil {
			log.WithError(refundErr).Errorf("User %d: failed to return unit after session save failure", user.ID)
		}
		return nil, Action{}, err
	}

	res.refinementsLeft = limits.RefinementsPerPhoto - s.RefinementsUsed
	if res.refinementsLeft < 0 {
		res.refinementsLeft = 0
	}
	res.canRefineMore = res.refinementsLeft > 0
	return res, Action{}, nil
}

// execute runs the external analysis outside of the user lock.
func (o *Orchestrator) execute(ctx context.Context, res *reservation, event string) (Action, error) {
	runCtx := ctx
	if o.analysisTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.analysisTimeout)
		defer cancel()
	}

	started := time.Now()
	text, err := o.run(runCtx, res)
	_ = o.metrics.Timing("analysis.duration", time.Since(started), []string{"type:" + string(res.analysisType)}, 1)
	if err != nil {
		log.WithError(err).Errorf("Analysis %s for user %d failed", res.analysisType, res.userID)
		o.event(event, string(ActionAnalysisFailed))
		if o.refundOnFailure {
			o.rollback(ctx, res)
		}
		return Action{Kind: ActionAnalysisFailed, AnalysisType: res.analysisType}, nil
	}

	if !res.canRefineMore {
		text = StripFollowUpQuestions(text)
	}
	o.event(event, string(ActionAnalysisResult))
	return Action{
		Kind:            ActionAnalysisResult,
		Text:            text,
		AnalysisType:    res.analysisType,
		CanRefineMore:   res.canRefineMore,
		RefinementsLeft: res.refinementsLeft,
	}, nil
}

func (o *Orchestrator) run(ctx context.Context, res *reservation) (string, error) {
	image, err := o.downloader.Download(ctx, res.photoRef)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	text, err := o.analyzer.Analyze(ctx, image, res.comment, res.analysisType)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", fmt.Errorf("empty analysis")
	}
	return text, nil
}

// rollback undoes what a failed run reserved: the spent unit and its own
// session counters. Nothing is returned once a later run was reserved on top
// of this one.
func (o *Orchestrator) rollback(ctx context.Context, res *reservation) {
	unlock := o.locks.Lock(res.userID)
	defer unlock()

	s, err := o.sessions.Get(ctx, res.userID)
	if err != nil {
		log.WithError(err).Errorf("User %d: failed to load session, analysis unit is kept", res.userID)
		return
	}
	current := s != nil && s.ID == res.sessionID
	if current && s.GptCallCount != res.gptCallCount {
		log.Infof("User %d: session %s moved on to run %d, failed run %d is not refunded", res.userID, s.ID, s.GptCallCount, res.gptCallCount)
		return
	}

	if err := o.ledger.Refund(ctx, res.userID, res.spend); err != nil {
		log.WithError(err).Errorf("User %d: failed to refund analysis unit", res.userID)
	}
	if !current {
		return
	}
	s.GptCallCount--
	if res.refinement && s.RefinementsUsed > 0 {
		s.RefinementsUsed--
	}
	s.LastAnalysisType = res.previous.LastAnalysisType
	s.RecipeUsed = res.previous.RecipeUsed
	s.NutritionUsed = res.previous.NutritionUsed
	if err = o.sessions.Save(ctx, s); err != nil {
		log.WithError(err).Errorf("User %d: failed to roll back session %s", res.userID, s.ID)
	}
}

// OnSessionTick destroys the session if it has expired and reports whether it did.
func (o *Orchestrator) OnSessionTick(ctx context.Context, userID int64, now time.Time) (bool, error) {
	unlock := o.locks.Lock(userID)
	defer unlock()

	_, expired, err := o.sessions.Load(ctx, userID, now)
	if err != nil {
		return false, fmt.Errorf("OnSessionTick: %w", err)
	}
	if expired {
		_ = o.metrics.Incr("session.expired", nil, 1)
	}
	return expired, nil
}

// Sessions lists users with a stored session, for the sweeper.
func (o *Orchestrator) Sessions(ctx context.Context) ([]int64, error) {
	return o.sessions.UserIDs(ctx)
}

func (o *Orchestrator) event(event string, outcome string) {
	_ = o.metrics.Incr("analysis.event", []string{"event:" + event, "outcome:" + outcome}, 1)
}
