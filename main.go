package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dishvision/m/v2/app/ai"
	"dishvision/m/v2/app/analysis"
	"dishvision/m/v2/app/config"
	"dishvision/m/v2/app/db/mongo"
	"dishvision/m/v2/app/db/redis"
	"dishvision/m/v2/app/payments"
	"dishvision/m/v2/app/promo"
	"dishvision/m/v2/app/quota"
	"dishvision/m/v2/app/session"
	systemstatus "dishvision/m/v2/app/status"
	"dishvision/m/v2/app/telegram"
	"dishvision/m/v2/app/util"
	"dishvision/m/v2/app/workers"
	"dishvision/m/v2/app/workers/clearusage"
	"dishvision/m/v2/app/workers/onstart"
	"dishvision/m/v2/app/workers/sessionsweep"
	"dishvision/m/v2/app/workers/status"

	"github.com/DataDog/datadog-go/v5/statsd"
	fasthttpprom "github.com/carousell/fasthttp-prometheus-middleware"
	"github.com/fasthttp/router"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
)

func main() {
	done := make(chan struct{}, 1)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	if err := godotenv.Load(); err != nil {
		log.Debugf("no .env file loaded: %v", err)
	}
	env := util.Env("ENV", "dev")
	var dataDogClient statsd.ClientInterface
	dataDogClient, err := statsd.New(util.Env("DATADOG_AGENT_ADDRESS", "datadog-agent.default.svc.cluster.local:8125"), statsd.WithNamespace("dishvision."))
	if err != nil {
		if env == "production" {
			log.Fatalf("error creating main DataDog client: %v", err)
		}
		dataDogClient = &statsd.NoOpClient{}
	}

	quotaLocation, err := time.LoadLocation(util.Env("QUOTA_TIMEZONE", "UTC"))
	util.Assert(err == nil, "QUOTA_TIMEZONE:", err)

	cfg := &config.Config{
		AdminIDs:                config.ParseAdminIDs(util.Env("ADMIN_USER_IDS", "")),
		AnalysisAPIEndpoint:     util.Env("ANALYSIS_API_ENDPOINT", ai.DefaultEndpoint),
		AnalysisModel:           util.Env("OPENAI_MODEL", "gpt-4o-mini"),
		AnalysisTimeout:         util.EnvDuration("ANALYSIS_TIMEOUT", ai.TIMEOUT),
		DataDogClient:           dataDogClient,
		Environment:             env,
		Limits:                  config.DefaultLimits(),
		MongoDBConnection:       util.Env("MONGO_DB_CONNECTION_STRING"),
		MongoDBName:             util.Env("MONGO_DB_NAME", "dishvision"),
		OpenAIAPIKey:            util.Env("OPENAI_API_KEY"),
		Prices:                  config.DefaultPrices(),
		Promo:                   config.DefaultPromoAntiFlood(),
		QuotaLocation:           quotaLocation,
		RefundOnAnalysisFailure: util.EnvBool("REFUND_ON_ANALYSIS_FAILURE", false),
		Redis: config.Redis{
			Host:     util.Env("REDIS_HOST"),
			Port:     "6379",
			Password: util.Env("REDIS_PASSWORD", ""),
		},
		SessionSweepInterval: util.EnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
		StatusWorkerInterval: time.Minute,
		TelegramBotToken:     util.Env("TELEGRAM_BOT_TOKEN"),
		WebhookBaseURL:       util.Env("BACKEND_BASE_URL", ""),
	}

	err = dataDogClient.Count("main.start", 1, []string{"env:" + cfg.Environment}, 1)
	if err != nil {
		log.Errorf("error sending metric: %v", err)
	}
	if cfg.Environment == "production" {
		log.SetFormatter(&log.JSONFormatter{
			DisableTimestamp: true,
		})
	} else {
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp: true,
			DisableColors: false,
		})
		log.SetLevel(log.TraceLevel)
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		log.Fatalf("ERROR connecting to redis: %v", err)
	}
	mongoClient := mongo.NewClient(cfg.MongoDBConnection, cfg.MongoDBName)

	// run onstart worker once
	if err = onstart.Run(context.Background(), mongoClient); err != nil {
		log.Fatal(err)
	}

	tgBot, err := telegram.NewTelegoBot(cfg)
	if err != nil {
		log.Fatalf("ERROR creating bot: %v", err)
	}

	ledger := quota.NewLedger(cfg, redis.NewUsageStore(redisClient), mongoClient)
	// the redis ttl only cleans up abandoned sessions, expiry itself is decided on StartedAt
	sessions := session.NewManager(redis.NewSessionStore(redisClient, 2*cfg.Limits.SessionTimeout), cfg.Limits.SessionTimeout)
	aiAPI := ai.NewAPI(cfg)
	orchestrator := analysis.NewOrchestrator(cfg, mongoClient, ledger, sessions, telegram.NewPhotoDownloader(tgBot), aiAPI)

	rtr := router.New()
	p := fasthttpprom.NewPrometheus("")
	p.Use(rtr)
	rtr.GET("/health", func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		_, _ = ctx.WriteString("❤️ from the kitchen")
	})

	telegramBot, err := telegram.NewBot(rtr, cfg, tgBot, telegram.Services{
		Orchestrator: orchestrator,
		Ledger:       ledger,
		Promo:        promo.NewService(cfg, mongoClient, redis.NewPromoGuard(redisClient, cfg.Promo.MaxFailedAttempts, cfg.Promo.BanDurations)),
		Payments:     payments.NewService(cfg, mongoClient),
		Users:        mongoClient,
		Redis:        redisClient,
	})
	if err != nil {
		log.Fatalf("ERROR creating bot: %v", err)
	}

	// create status worker
	statusHandler := systemstatus.New(mongoClient, redisClient, aiAPI, sessions)
	statusWorker := workers.NewWorker("status", cfg.StatusWorkerInterval, status.New(cfg, statusHandler, redisClient, ledger, tgBot).Run)
	go statusWorker.Start()

	// create usage clearing worker
	clearUsageWorker := workers.NewWorker("clearusage", time.Hour*6, clearusage.New(cfg, redisClient).Run)
	go clearUsageWorker.Start()

	// create expired sessions sweeper
	sessionSweepWorker := workers.NewWorker("sessionsweep", cfg.SessionSweepInterval, sessionsweep.New(cfg, orchestrator, tgBot).Run)
	go sessionSweepWorker.Start()

	go TearDown(sigs, done, cfg, telegramBot, mongoClient, statusWorker, clearUsageWorker, sessionSweepWorker)

	go func() {
		handler := fasthttp.TimeoutHandler(p.Handler, time.Second*30, "Request timeout")
		err := telegramBot.Serve(util.Env("BACKEND_LISTEN_ADDRESS", ":8080"), handler)
		util.Assert(err == nil, "ListenAndServe:", err)
	}()

	successfulStartMessage := fmt.Sprintf("🤖 %s started successfully 🚀 inside %s", cfg.BotName, util.Env("POD_NAME", "unknown"))
	workers.NotifyAdmins(tgBot, cfg, successfulStartMessage)
	log.Info(successfulStartMessage)

	<-done
	log.Info("Done")
}

func TearDown(sigs chan os.Signal, done chan struct{}, cfg *config.Config, telegramBot *telegram.Bot, mongoClient mongo.MongoClient, background ...*workers.Worker) {
	<-sigs
	exitMessage := fmt.Sprintf("🤖 %s bids farewell ❌ inside %s", cfg.BotName, util.Env("POD_NAME", "unknown"))
	log.Info(exitMessage)
	workers.NotifyAdmins(telegramBot.Bot, cfg, exitMessage)
	for _, worker := range background {
		worker.StopWorker()
	}
	telegramBot.Shutdown()

	err := mongoClient.Disconnect(context.Background())
	if err != nil {
		log.Errorf("TearDown: Disconnecting from MongoDB: %v", err)
	}
	done <- struct{}{}
}
