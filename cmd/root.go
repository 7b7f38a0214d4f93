package cmd

import (
	"context"
	"os"
	"time"

	"github.com/royalbot/royal-dispatch/core/config"
	"github.com/royalbot/royal-dispatch/core/database"
	"github.com/royalbot/royal-dispatch/domains/agent"
	domainBotState "github.com/royalbot/royal-dispatch/domains/botstate"
	"github.com/royalbot/royal-dispatch/infrastructure/gateway"
	"github.com/royalbot/royal-dispatch/infrastructure/valkey"
	"github.com/royalbot/royal-dispatch/integrations/chatwoot"
	"github.com/royalbot/royal-dispatch/integrations/openai"
	"github.com/royalbot/royal-dispatch/pkg/breaker"
	"github.com/royalbot/royal-dispatch/pkg/metrics"
	"github.com/royalbot/royal-dispatch/pkg/msgworker"
	"github.com/royalbot/royal-dispatch/pkg/utils"
	"github.com/royalbot/royal-dispatch/usecase"
	followupUsecase "github.com/royalbot/royal-dispatch/usecase/followup"
	"github.com/royalbot/royal-dispatch/usecase/repository"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/gorm"
)

var (
	db          *gorm.DB
	cacheClient *valkey.Client

	gatewayClient  *gateway.Client
	chatwootClient *chatwoot.Client
	aiAgent        agent.Agent

	appMetrics *metrics.Metrics
	eventRing  *metrics.EventRing

	contextStore *usecase.ContextStore
	botStateSvc  *usecase.BotStateService
	botGate      domainBotState.Gate
	msgQueue     *usecase.PriorityQueue
	workerPool   *msgworker.Pool
	orchestrator *usecase.Orchestrator
	intake       *usecase.IntakeService
	supervisor   *usecase.SupervisorService
	scheduler    *followupUsecase.Scheduler
	admission    *usecase.AdmissionService
	healthCheck  *usecase.HealthUsecase

	pipelineCtx    context.Context
	pipelineCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:   "royal-dispatch",
	Short: "Conversational message dispatcher between chat transports and the AI agent",
}

func init() {
	utils.LoadConfig(".")

	time.Local = time.UTC

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().String("port", "", "HTTP port (overrides APP_PORT)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging (overrides APP_DEBUG)")
	_ = viper.BindPFlag("app_port", rootCmd.PersistentFlags().Lookup("port"))
	_ = viper.BindPFlag("app_debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.AutomaticEnv()

	cobra.OnInitialize(initApp)
}

// initApp carga la configuración y construye todo el pipeline. El orden
// importa: storage primero, después los servicios y al final el ciclo
// scheduler <-> orquestador.
func initApp() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("[APP] invalid configuration: %v", err)
	}
	if port := viper.GetString("app_port"); port != "" {
		cfg.App.Port = port
	}
	if viper.GetBool("app_debug") {
		cfg.App.Debug = true
	}
	config.Global = cfg

	if cfg.App.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	db, err = database.NewDatabase(cfg)
	if err != nil {
		logrus.Fatalf("[APP] database connection failed: %v", err)
	}

	// valkey es opcional: sin él, L2 y dedupe degradan a memoria local
	if cfg.Database.ValkeyEnabled {
		cacheClient, err = valkey.NewClient(valkey.Config{
			Address:   cfg.Database.ValkeyAddress,
			Password:  cfg.Database.ValkeyPassword,
			DB:        cfg.Database.ValkeyDB,
			KeyPrefix: cfg.Database.ValkeyKeyPrefix,
		})
		if err != nil {
			logrus.Warnf("[APP] valkey unavailable, running without L2 cache: %v", err)
			cacheClient = nil
		}
	}

	initRepositories()
	initServices(cfg)
	initPipeline(cfg)
	initHealth(cfg)
}

var (
	contextRepo  *repository.ContextGormRepository
	queueRepo    *repository.QueueGormRepository
	botStateRepo *repository.BotStateGormRepository
	followupRepo *repository.FollowUpGormRepository
	rateRepo     *repository.RateGormRepository
)

func initRepositories() {
	contextRepo = repository.NewContextGormRepository(db)
	queueRepo = repository.NewQueueGormRepository(db)
	botStateRepo = repository.NewBotStateGormRepository(db)
	followupRepo = repository.NewFollowUpGormRepository(db)
	rateRepo = repository.NewRateGormRepository(db)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, migrator := range []interface {
		InitSchema(ctx context.Context) error
	}{contextRepo, queueRepo, botStateRepo, followupRepo, rateRepo} {
		if err := migrator.InitSchema(ctx); err != nil {
			logrus.Fatalf("[APP] schema migration failed: %v", err)
		}
	}
}

func initServices(cfg *config.Config) {
	appMetrics = metrics.New()
	eventRing = metrics.NewEventRing()

	gatewayClient = gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.Instance, cfg.Gateway.Timeout)
	chatwootClient = chatwoot.NewClient(cfg.Chatwoot.BaseURL, cfg.Chatwoot.AccountID, cfg.Chatwoot.AccountToken)
	aiAgent = openai.NewAgent(cfg.Agent.APIKey, cfg.Agent.Model, cfg.Agent.SystemPrompt, cfg.Agent.Timeout)

	contextStore = usecase.NewContextStore(cacheClient, contextRepo)
	botStateSvc = usecase.NewBotStateService(cacheClient, botStateRepo)
	botGate = botStateSvc
	supervisor = usecase.NewSupervisorService(botGate, chatwootClient)
}

func initPipeline(cfg *config.Config) {
	pipelineCtx, pipelineCancel = context.WithCancel(context.Background())

	msgQueue = usecase.NewPriorityQueue(queueRepo, appMetrics, cfg.Queue.RecentHashes)

	agentBreaker := breaker.New("agent", breaker.DefaultThreshold, breaker.DefaultCoolOff)
	orchestrator = usecase.NewOrchestrator(
		msgQueue, contextStore, botGate, aiAgent, agentBreaker,
		gatewayClient, chatwootClient, appMetrics,
	)

	orchestrator.SetEventRing(eventRing)

	scheduler = followupUsecase.NewScheduler(followupRepo, contextStore, botGate, aiAgent, appMetrics, cfg.FollowUp)
	scheduler.SetMediator(orchestrator)
	orchestrator.SetActivitySink(scheduler)

	coalescer := usecase.NewCoalescer(cfg.Coalesce.Window, cfg.Coalesce.MaxWait)
	admission = usecase.NewAdmissionService(
		cacheClient, rateRepo, followupRepo, appMetrics, msgQueue,
		func(ctx context.Context, userID string) bool {
			conversation, err := contextStore.Get(ctx, userID)
			return err == nil && conversation != nil && conversation.Profile.IsVIP
		},
		cfg.Rate, cfg.Queue.SoftCap,
	)
	intake = usecase.NewIntakeService(admission, coalescer, msgQueue, contextStore)

	workerPool = msgworker.NewPool(
		cfg.Pool.Min, cfg.Pool.Max,
		cfg.Pool.TargetLatency, cfg.Pool.DrainTimeout,
		msgQueue, orchestrator.WorkerCycle,
	)
}

func initHealth(cfg *config.Config) {
	healthCheck = usecase.NewHealthUsecase(msgQueue, workerPool)
	healthCheck.RegisterPing("database", dbPinger{}, true)
	if cacheClient != nil {
		healthCheck.RegisterPing("valkey", cacheClient, false)
	}
	healthCheck.RegisterConfigured("whatsapp-gateway", gatewayClient.Configured)
	healthCheck.RegisterConfigured("chatwoot", chatwootClient.Configured)
}

// dbPinger adapta el pool sql subyacente de gorm al probe de salud.
type dbPinger struct{}

func (dbPinger) Ping(ctx context.Context) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// startPipeline recupera los items huérfanos del arranque anterior y
// pone en marcha cola, workers, scheduler y janitors.
func startPipeline(cfg *config.Config) {
	ctx, cancel := context.WithTimeout(pipelineCtx, 30*time.Second)
	recovered, err := queueRepo.RecoverStale(ctx, cfg.Queue.LivenessThreshold)
	cancel()
	if err != nil {
		logrus.Warnf("[APP] queue recovery failed: %v", err)
	} else {
		msgQueue.Restore(recovered)
	}

	msgQueue.Start(pipelineCtx)
	workerPool.Start()
	admission.StartJanitor(pipelineCtx)
	if err := scheduler.Start(); err != nil {
		logrus.Fatalf("[APP] follow-up scheduler failed to start: %v", err)
	}
	go maintenanceLoop(cfg)
}

// maintenanceLoop corre las purgas horarias: pausas vencidas, items
// terminales viejos de la cola y snapshots de rate limit.
func maintenanceLoop(cfg *config.Config) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-pipelineCtx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(pipelineCtx, time.Minute)
			if n, err := botStateSvc.PurgeExpired(ctx); err == nil && n > 0 {
				logrus.Debugf("[APP] purged %d expired pauses", n)
			}
			if n, err := queueRepo.PurgeOld(ctx, time.Now().Add(-7*24*time.Hour)); err == nil && n > 0 {
				logrus.Debugf("[APP] purged %d old queue items", n)
			}
			if _, err := rateRepo.PurgeStale(ctx, time.Now().Add(-24*time.Hour)); err != nil {
				logrus.Debugf("[APP] rate snapshot purge failed: %v", err)
			}
			cancel()
		}
	}
}

// stopPipeline drena en orden inverso: primero se deja de aceptar, al
// final se cierra la base.
func stopPipeline() {
	scheduler.Stop()
	intake.Flush()
	workerPool.Stop()
	pipelineCancel()

	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	logrus.Info("[APP] pipeline stopped")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
