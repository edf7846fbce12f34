package analysis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dishvision/m/v2/app/config"
	"dishvision/m/v2/app/db/mongo"
	"dishvision/m/v2/app/db/redis"
	"dishvision/m/v2/app/models"
	"dishvision/m/v2/app/quota"
	"dishvision/m/v2/app/session"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/alicebob/miniredis/v2"
	r "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

const today = "2024-05-01"

type fakeAnalyzer struct {
	mu       sync.Mutex
	calls    int
	comments []string
	types    []models.AnalysisType
	reply    string
	err      error
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, image []byte, comment string, analysisType models.AnalysisType) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.comments = append(f.comments, comment)
	f.types = append(f.types, analysisType)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeAnalyzer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// gatedAnalyzer holds the first call until released and fails it, later calls succeed.
type gatedAnalyzer struct {
	mu      sync.Mutex
	calls   int
	entered chan struct{}
	release chan struct{}
}

func newGatedAnalyzer() *gatedAnalyzer {
	return &gatedAnalyzer{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedAnalyzer) Analyze(ctx context.Context, image []byte, comment string, analysisType models.AnalysisType) (string, error) {
	g.mu.Lock()
	g.calls++
	first := g.calls == 1
	g.mu.Unlock()
	if first {
		close(g.entered)
		<-g.release
		return "", errors.New("provider down")
	}
	return "Calories: 500", nil
}

type fakeDownloader struct{}

func (fakeDownloader) Download(ctx context.Context, photoRef string) ([]byte, error) {
	return []byte("jpeg:" + photoRef), nil
}

type fixture struct {
	orchestrator *Orchestrator
	analyzer     *fakeAnalyzer
	users        *mongo.MockMongoDBClient
	usage        *redis.UsageStore
	sessions     *session.Manager
}

func setup(t *testing.T, refund bool, users ...models.MongoUser) *fixture {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := r.NewClient(&r.Options{Addr: mr.Addr()})

	cfg := &config.Config{
		DataDogClient:           &statsd.NoOpClient{},
		Limits:                  config.DefaultLimits(),
		AnalysisTimeout:         time.Second,
		RefundOnAnalysisFailure: refund,
	}
	store := mongo.NewMockMongoDBClient(users...)
	usage := redis.NewUsageStore(client)
	sessions := session.NewManager(redis.NewSessionStore(client, 24*time.Hour), cfg.Limits.SessionTimeout)
	analyzer := &fakeAnalyzer{reply: "Calories: 450 kcal\n⁉️ Was there any oil?"}
	ledger := quota.NewLedger(cfg, usage, store)

	return &fixture{
		orchestrator: NewOrchestrator(cfg, store, ledger, sessions, fakeDownloader{}, analyzer),
		analyzer:     analyzer,
		users:        store,
		usage:        usage,
		sessions:     sessions,
	}
}

func (f *fixture) used(t *testing.T, userID int64) int {
	used, err := f.usage.Used(context.Background(), userID, today)
	require.NoError(t, err)
	return used
}

func (f *fixture) session(t *testing.T, userID int64) *models.PhotoSession {
	s, err := f.sessions.Get(context.Background(), userID)
	require.NoError(t, err)
	return s
}

func TestEndToEndFreeTier(t *testing.T) {
	f := setup(t, false)
	o := f.orchestrator
	ctx := context.Background()

	action, err := o.OnPhotoReceived(ctx, 1, "photo-1", "", testNow)
	require.NoError(t, err)
	assert.Equal(t, Action{Kind: ActionPromptForInput, Prompt: PromptChooseAnalysis}, action)
	assert.Equal(t, 0, f.used(t, 1), "Receiving a photo is free")

	action, err = o.OnButtonPressed(ctx, 1, ButtonNutrition, testNow)
	require.NoError(t, err)
	assert.Equal(t, ActionAnalysisResult, action.Kind)
	assert.True(t, action.CanRefineMore)
	assert.Equal(t, 2, action.RefinementsLeft)
	assert.Contains(t, action.Text, "⁉️", "Questions are kept while refinements remain")
	assert.Equal(t, 1, f.used(t, 1))

	action, err = o.OnTextMessage(ctx, 1, "it was fried", testNow)
	require.NoError(t, err)
	assert.Equal(t, ActionAnalysisResult, action.Kind)
	assert.Equal(t, 1, f.session(t, 1).RefinementsUsed)
	assert.Equal(t, 1, f.used(t, 1), "Refinements never spend daily quota")

	action, err = o.OnTextMessage(ctx, 1, "about 300g", testNow)
	require.NoError(t, err)
	assert.Equal(t, ActionAnalysisResult, action.Kind)
	assert.False(t, action.CanRefineMore)
	assert.Equal(t, "Calories: 450 kcal", action.Text, "Last answer has no follow-up questions")
	assert.Equal(t, 2, f.session(t, 1).RefinementsUsed)

	action, err = o.OnTextMessage(ctx, 1, "and a salad", testNow)
	require.NoError(t, err)
	assert.Equal(t, ActionRefinementLimitReached, action.Kind)
	assert.Equal(t, 3, f.analyzer.Calls())
	assert.Equal(t, "it was fried\nabout 300g", f.session(t, 1).AccumulatedComment, "Text past the limit is not kept")

	action, err = o.OnPhotoReceived(ctx, 1, "photo-2", "", testNow)
	require.NoError(t, err)
	assert.Equal(t, ActionPromptForInput, action.Kind)
	assert.Equal(t, 1, f.used(t, 1))

	_, err = o.OnButtonPressed(ctx, 1, ButtonRecipe, testNow)
	require.NoError(t, err)
	assert.Equal(t, 2, f.used(t, 1))
	assert.Equal(t, []string{"", "it was fried", "it was fried\nabout 300g", ""}, f.analyzer.comments)
}

func TestPhotoBlockedWithoutQuota(t *testing.T) {
	f := setup(t, false, models.MongoUser{ID: 2})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _, err := f.usage.TryConsume(ctx, 2, today, 5)
		require.NoError(t, err)
	}

	action, err := f.orchestrator.OnPhotoReceived(ctx, 2, "photo", "", testNow)
	require.NoError(t, err)
	assert.Equal(t, Action{Kind: ActionBlocked, Limit: 5}, action)
	assert.Nil(t, f.session(t, 2), "No session is opened when blocked")

	action, err = f.orchestrator.OnButtonPressed(ctx, 2, ButtonNewPhoto, testNow)
	require.NoError(t, err)
	assert.Equal(t, ActionBlocked, action.Kind)
}

func TestPaidBalanceUnblocksPhoto(t *testing.T) {
	f := setup(t, false, models.MongoUser{ID: 3, PaidPhotoBalance: 1})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _, err := f.usage.TryConsume(ctx, 3, today, 5)
		require.NoError(t, err)
	}

	action, err := f.orchestrator.OnPhotoReceived(ctx, 3, "photo", "", testNow)
	require.NoError(t, err)
	assert.Equal(t, ActionPromptForInput, action.Kind)

	action, err = f.orchestrator.OnButtonPressed(ctx, 3, ButtonNutrition, testNow)
	require.NoError(t, err)
	assert.Equal(t, ActionAnalysisResult, action.Kind)
	assert.Equal(t, 0, f.users.User(3).PaidPhotoBalance)
	assert.Equal(t, 5, f.used(t, 3))
}

func TestButtonWithoutPhoto(t *testing.T) {
	f := setup(t, false)
	action, err := f.orchestrator.OnButtonPressed(context.Background(), 4, ButtonRecipe, testNow)
	require.NoError(t, err)
	assert.Equal(t, ActionNeedPhotoFirst, action.Kind)

	action, err = f.orchestrator.OnTextMessage(context.Background(), 4, "hello", testNow)
	require.NoError(t, err)
	assert.Equal(t, ActionNeedPhotoFirst, action.Kind)
	assert.Equal(t, 0, f.analyzer.Calls())
}

func TestExpiredSession(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()
	_, err := f.orchestrator.OnPhotoReceived(ctx, 5, "photo", "", testNow)
	require.NoError(t, err)

	later := testNow.Add(61 * time.Minute)
	action, err := f.orchestrator.OnButtonPressed(ctx, 5, ButtonNutrition, later)
	require.NoError(t, err)
	assert.Equal(t, ActionSessionExpired, action.Kind)
	assert.Nil(t, f.session(t, 5))
	assert.Equal(t, 0, f.used(t, 5))

	action, err = f.orchestrator.OnPhotoReceived(ctx, 5, "photo-2", "", later)
	require.NoError(t, err)
	assert.Equal(t, ActionPromptForInput, action.Kind)
}

func TestSecondButtonSpendsRefinement(t *testing.T) {
	f := setup(t, false)
	o := f.orchestrator
	ctx := context.Background()
	_, err := o.OnPhotoReceived(ctx, 6, "photo", "pasta", testNow)
	require.NoError(t, err)

	_, err = o.OnButtonPressed(ctx, 6, ButtonNutrition, testNow)
	require.NoError(t, err)
	action, err := o.OnButtonPressed(ctx, 6, ButtonRecipe, testNow)
	require.NoError(t, err)
	assert.Equal(t, ActionAnalysisResult, action.Kind)
	assert.Equal(t, models.RecipeAnalysis, action.AnalysisType)

	s := f.session(t, 6)
	assert.Equal(t, 2, s.GptCallCount)
	assert.Equal(t, 1, s.RefinementsUsed)
	assert.True(t, s.RecipeUsed)
	assert.True(t, s.NutritionUsed)
	assert.Equal(t, 1, f.used(t, 6))

	action, err = o.OnButtonPressed(ctx, 6, ButtonRecipe, testNow)
	require.NoError(t, err)
	assert.Equal(t, ActionRefinementLimitReached, action.Kind, "Recipe is refused once both types ran")
	assert.Equal(t, 2, f.analyzer.Calls())
	assert.Equal(t, "pasta", f.analyzer.comments[0], "Caption seeds the comment")
}

func TestForcedAnalysisAfterMessages(t *testing.T) {
	f := setup(t, false)
	o := f.orchestrator
	ctx := context.Background()
	_, err := o.OnPhotoReceived(ctx, 7, "photo", "", testNow)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		action, err := o.OnTextMessage(ctx, 7, "detail", testNow)
		require.NoError(t, err)
		assert.Equal(t, Action{Kind: ActionPromptForInput, Prompt: PromptKeepTyping}, action)
	}
	assert.Equal(t, 0, f.analyzer.Calls())

	action, err := o.OnTextMessage(ctx, 7, "detail", testNow)
	require.NoError(t, err)
	assert.Equal(t, ActionAnalysisResult, action.Kind)
	assert.Equal(t, models.NutritionAnalysis, action.AnalysisType)
	assert.Equal(t, 1, f.used(t, 7), "Forced analysis spends the daily quota")
	assert.Equal(t, 0, f.session(t, 7).RefinementsUsed)
}

func TestAnalysisFailureKeepsUnitByDefault(t *testing.T) {
	f := setup(t, false)
	f.analyzer.err = errors.New("provider down")
	ctx := context.Background()
	_, err := f.orchestrator.OnPhotoReceived(ctx, 8, "photo", "", testNow)
	require.NoError(t, err)

	action, err := f.orchestrator.OnButtonPressed(ctx, 8, ButtonNutrition, testNow)
	require.NoError(t, err)
	assert.Equal(t, ActionAnalysisFailed, action.Kind)
	assert.Equal(t, 1, f.used(t, 8))
	assert.Equal(t, 1, f.session(t, 8).GptCallCount)
}

func TestAnalysisFailureRefundsWhenEnabled(t *testing.T) {
	f := setup(t, true)
	f.analyzer.err = errors.New("provider down")
	ctx := context.Background()
	_, err := f.orchestrator.OnPhotoReceived(ctx, 9, "photo", "", testNow)
	require.NoError(t, err)

	action, err := f.orchestrator.OnButtonPressed(ctx, 9, ButtonNutrition, testNow)
	require.NoError(t, err)
	assert.Equal(t, ActionAnalysisFailed, action.Kind)
	assert.Equal(t, 0, f.used(t, 9))
	s := f.session(t, 9)
	assert.Equal(t, 0, s.GptCallCount)
	assert.False(t, s.NutritionUsed)
	assert.Equal(t, models.NoAnalysis, s.LastAnalysisType)

	f.analyzer.err = nil
	action, err = f.orchestrator.OnButtonPressed(ctx, 9, ButtonNutrition, testNow)
	require.NoError(t, err)
	assert.Equal(t, ActionAnalysisResult, action.Kind)
	assert.Equal(t, 1, f.used(t, 9))
}

func TestFailedRunIsNotRefundedAfterLaterRefinement(t *testing.T) {
	f := setup(t, true)
	gate := newGatedAnalyzer()
	f.orchestrator.analyzer = gate
	ctx := context.Background()
	_, err := f.orchestrator.OnPhotoReceived(ctx, 13, "photo", "", testNow)
	require.NoError(t, err)

	first := make(chan Action, 1)
	go func() {
		action, err := f.orchestrator.OnButtonPressed(ctx, 13, ButtonNutrition, testNow)
		assert.NoError(t, err)
		first <- action
	}()
	<-gate.entered

	action, err := f.orchestrator.OnTextMessage(ctx, 13, "it was fried", testNow)
	require.NoError(t, err)
	assert.Equal(t, ActionAnalysisResult, action.Kind)
	assert.Equal(t, "Calories: 500", action.Text)

	close(gate.release)
	assert.Equal(t, ActionAnalysisFailed, (<-first).Kind)

	assert.Equal(t, 1, f.used(t, 13), "First analysis of the photo stays paid")
	s := f.session(t, 13)
	assert.Equal(t, 2, s.GptCallCount)
	assert.Equal(t, 1, s.RefinementsUsed)
	assert.True(t, s.NutritionUsed)
}

func TestFailedRefinementReturnsOnlyItsOwnCounters(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	_, err := f.orchestrator.OnPhotoReceived(ctx, 14, "photo", "", testNow)
	require.NoError(t, err)
	_, err = f.orchestrator.OnButtonPressed(ctx, 14, ButtonNutrition, testNow)
	require.NoError(t, err)

	f.analyzer.err = errors.New("provider down")
	action, err := f.orchestrator.OnButtonPressed(ctx, 14, ButtonRecipe, testNow)
	require.NoError(t, err)
	assert.Equal(t, ActionAnalysisFailed, action.Kind)

	assert.Equal(t, 1, f.used(t, 14))
	s := f.session(t, 14)
	assert.Equal(t, 1, s.GptCallCount)
	assert.Equal(t, 0, s.RefinementsUsed)
	assert.False(t, s.RecipeUsed)
	assert.True(t, s.NutritionUsed)
	assert.Equal(t, models.NutritionAnalysis, s.LastAnalysisType)
}

func TestBackAndNewPhoto(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()
	_, err := f.orchestrator.OnPhotoReceived(ctx, 10, "photo", "", testNow)
	require.NoError(t, err)

	action, err := f.orchestrator.OnButtonPressed(ctx, 10, ButtonNewPhoto, testNow)
	require.NoError(t, err)
	assert.Equal(t, Action{Kind: ActionPromptForInput, Prompt: PromptSendPhoto}, action)
	assert.Nil(t, f.session(t, 10))

	_, err = f.orchestrator.OnPhotoReceived(ctx, 10, "photo", "", testNow)
	require.NoError(t, err)
	action, err = f.orchestrator.OnButtonPressed(ctx, 10, ButtonBack, testNow)
	require.NoError(t, err)
	assert.Equal(t, ActionMainMenu, action.Kind)
	assert.Nil(t, f.session(t, 10))

	_, err = f.orchestrator.OnButtonPressed(ctx, 10, Button("unknown"), testNow)
	assert.Error(t, err)
}

func TestConcurrentPressesSpendOneDailyUnit(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()
	_, err := f.orchestrator.OnPhotoReceived(ctx, 11, "photo", "", testNow)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orchestrator.OnButtonPressed(ctx, 11, ButtonNutrition, testNow)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.used(t, 11))
	assert.Equal(t, 3, f.analyzer.Calls(), "First run plus two refinements")
	assert.Equal(t, 2, f.session(t, 11).RefinementsUsed)
}

func TestOnSessionTick(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()
	_, err := f.orchestrator.OnPhotoReceived(ctx, 12, "photo", "", testNow)
	require.NoError(t, err)

	expired, err := f.orchestrator.OnSessionTick(ctx, 12, testNow.Add(30*time.Minute))
	require.NoError(t, err)
	assert.False(t, expired)

	ids, err := f.orchestrator.Sessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{12}, ids)

	expired, err = f.orchestrator.OnSessionTick(ctx, 12, testNow.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, expired)
	assert.Nil(t, f.session(t, 12))
}

func TestStripFollowUpQuestions(t *testing.T) {
	text := "Dish: borscht\n  ⁉️ Was there sour cream?\nCalories: 300\n⁉️ Portion size?\n"
	assert.Equal(t, "Dish: borscht\nCalories: 300", StripFollowUpQuestions(text))
	assert.Equal(t, "", StripFollowUpQuestions("⁉️ only a question"))
	assert.Equal(t, "plain", StripFollowUpQuestions("plain"))
}
