package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/isaacncz/Eat-Spin-sub000/internal/coordinator"
	"github.com/isaacncz/Eat-Spin-sub000/internal/domain"
	"github.com/isaacncz/Eat-Spin-sub000/internal/hub"
	gormpersistence "github.com/isaacncz/Eat-Spin-sub000/internal/infra/persistence/gorm"
	"github.com/isaacncz/Eat-Spin-sub000/internal/infra/setup"
	memstate "github.com/isaacncz/Eat-Spin-sub000/internal/infra/state/memory"
	redisstate "github.com/isaacncz/Eat-Spin-sub000/internal/infra/state/redis"
	"github.com/isaacncz/Eat-Spin-sub000/internal/repository"
	"github.com/isaacncz/Eat-Spin-sub000/internal/service"
	"github.com/isaacncz/Eat-Spin-sub000/internal/tasks"
	"github.com/isaacncz/Eat-Spin-sub000/internal/worker"
)

const recordSpinTimeout = 5 * time.Second

// App 结构体包含应用的所有组件和配置
type App struct {
	Config      *Config
	Log         *logrus.Logger
	DB          *gorm.DB      // 未启用历史时为 nil
	RedisClient *redis.Client // memory 后端时为 nil
	AsynqClient *asynq.Client
	AsynqServer *worker.WorkerServer
	Hub         *hub.Hub
	Router      *gin.Engine
	HttpServer  *http.Server

	redisClientOpt asynq.RedisClientOpt
	scheduler      *asynq.Scheduler
	serviceStore   repository.StateStore
	cleanup        *service.CleanupService
	stopLocalJobs  context.CancelFunc
}

// Backends 是按配置创建的存储后端
type Backends struct {
	State  repository.StateBackend
	Reaper repository.SessionReaper // 仅 Redis 后端需要
	Redis  *redis.Client
}

// OpenBackends 按 STORE_BACKEND 创建实时存储后端
func OpenBackends(cfg *Config) (*Backends, error) {
	if cfg.StoreBackend == StoreMemory {
		return &Backends{State: memstate.NewBackend()}, nil
	}
	redisClient, err := setup.InitRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coordinator.ErrStoreUnavailable, err)
	}
	backend := redisstate.NewRedisStateBackend(redisClient, cfg.KeyPrefix, cfg.SessionLease)
	return &Backends{State: backend, Reaper: backend, Redis: redisClient}, nil
}

// NewApp 创建并初始化应用的所有组件
func NewApp() (*App, error) {
	// 1. 加载配置
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 2. 初始化 Logger
	log := NewLogger(cfg)
	log.WithFields(logrus.Fields{"env": cfg.AppEnv, "store": cfg.StoreBackend}).Info("Configuration loaded successfully")

	// 3. 初始化基础设施
	log.Info("Initializing infrastructure...")
	backends, err := OpenBackends(cfg)
	if err != nil {
		return nil, err
	}
	app := &App{Config: cfg, Log: log, RedisClient: backends.Redis}

	var historyRepo repository.SpinHistoryRepository
	if cfg.HistoryEnabled() {
		db, err := setup.InitDB(cfg.DB)
		if err != nil {
			return nil, fmt.Errorf("failed to init DB: %w", err)
		}
		if err := setup.MigrateDB(db); err != nil {
			return nil, fmt.Errorf("failed to migrate DB: %w", err)
		}
		app.DB = db
		historyRepo = gormpersistence.NewGormSpinHistoryRepository(db)
		log.Info("Spin history enabled")
	} else {
		log.Info("DB_NAME not set, spin history disabled")
	}

	var enqueuer service.TaskEnqueuer
	if backends.Redis != nil {
		app.redisClientOpt = asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}
		app.AsynqClient = asynq.NewClient(app.redisClientOpt)
		enqueuer = app.AsynqClient
		log.Info("Asynq client initialized")
	}

	// 4. 初始化 Services
	log.Info("Initializing services...")
	identityService, err := service.NewIdentityService(cfg.JWTSecret, cfg.JWTExpiryHours)
	if err != nil {
		return nil, fmt.Errorf("failed to create IdentityService: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app.serviceStore, err = backends.State.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coordinator.ErrStoreUnavailable, err)
	}
	roomService := service.NewRoomService(app.serviceStore, coordinator.DefaultStaleAfter, cfg.PublicBaseURL)
	historyService := service.NewHistoryService(historyRepo, enqueuer)
	app.cleanup = service.NewCleanupService(app.serviceStore, backends.Reaper)

	// 5. 初始化 Hub
	app.Hub = hub.NewHub(backends.State, coordinator.Config{
		RoomTTL: cfg.RoomTTL,
		OnSpinCommitted: func(roomCode string, rec domain.SpinRecord) {
			ctx, cancel := context.WithTimeout(context.Background(), recordSpinTimeout)
			defer cancel()
			if err := historyService.RecordSpin(ctx, roomCode, rec); err != nil {
				log.WithError(err).WithField("room_code", roomCode).Warn("Failed to record spin history")
			}
		},
	})
	log.Info("Hub initialized")

	// 6. 初始化 Worker Server
	if backends.Redis != nil {
		app.AsynqServer = worker.NewWorkerServer(app.redisClientOpt, historyService, app.cleanup, log)
		log.Info("Worker server initialized")
	}

	// 7. 初始化路由与 HTTP Server
	app.Router = NewRouter(RouterDeps{
		Config:   cfg,
		Log:      log,
		Identity: identityService,
		Rooms:    roomService,
		History:  historyService,
		Hub:      app.Hub,
		Redis:    backends.Redis,
	})
	app.HttpServer = &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           app.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info("Application assembled successfully")
	return app, nil
}

// Start 启动应用的所有后台 Goroutine 和 HTTP 服务器
func (a *App) Start() {
	a.Log.Info("Starting application background routines...")
	go a.Hub.Run()

	if a.AsynqServer != nil {
		go a.AsynqServer.Start()
		a.registerPeriodicTasks()
	} else {
		a.startLocalCleanup()
	}

	go func() {
		a.Log.Infof("HTTP server starting to listen on %s", a.HttpServer.Addr)
		if err := a.HttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Fatalf("Failed to start HTTP server: %v", err)
		}
		a.Log.Info("HTTP server stopped listening.")
	}()
}

// registerPeriodicTasks 通过 asynq scheduler 周期性投递清理任务，多实例部署时由队列去重
func (a *App) registerPeriodicTasks() {
	a.scheduler = asynq.NewScheduler(a.redisClientOpt, &asynq.SchedulerOpts{})

	task, err := tasks.NewRoomCleanupTask(false, true)
	if err != nil {
		a.Log.Errorf("Failed to create room cleanup task: %v", err)
		return
	}
	schedule := a.Config.CleanupSchedule
	entryID, err := a.scheduler.Register(schedule, task, asynq.Queue("low"), asynq.Unique(time.Minute))
	if err != nil {
		a.Log.Errorf("Could not register periodic room cleanup task: %v", err)
		return
	}
	a.Log.Infof("Periodic room cleanup task registered with schedule '%s' (EntryID: %s)", schedule, entryID)

	go func() {
		a.Log.Info("Asynq scheduler starting...")
		if err := a.scheduler.Run(); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			a.Log.Errorf("Asynq scheduler Run() failed: %v", err)
		}
	}()
}

// startLocalCleanup 在没有 Redis 的单进程模式下用 ticker 执行清理
func (a *App) startLocalCleanup() {
	ctx, cancel := context.WithCancel(context.Background())
	a.stopLocalJobs = cancel
	interval := 10 * time.Minute
	if d, err := time.ParseDuration(strings.TrimPrefix(a.Config.CleanupSchedule, "@every ")); err == nil && d > 0 {
		interval = d
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := a.cleanup.Run(ctx, false, false); err != nil {
					a.Log.WithError(err).Warn("Local room cleanup failed")
				}
			}
		}
	}()
	a.Log.Infof("Local room cleanup running every %s", interval)
}

// Shutdown 优雅地关闭应用
func (a *App) Shutdown() {
	a.Log.Info("Shutting down application...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// 1. 停止接收新连接
	if err := a.HttpServer.Shutdown(ctx); err != nil {
		a.Log.Errorf("Error shutting down HTTP server: %v", err)
	}

	// 2. 关闭所有会话，离开房间并执行断线清理
	if err := a.Hub.Shutdown(ctx); err != nil {
		a.Log.Errorf("Error shutting down hub: %v", err)
	}

	// 3. 停止后台任务
	if a.stopLocalJobs != nil {
		a.stopLocalJobs()
	}
	if a.scheduler != nil {
		a.scheduler.Shutdown()
	}
	if a.AsynqServer != nil {
		a.AsynqServer.Shutdown()
	}
	if a.AsynqClient != nil {
		if err := a.AsynqClient.Close(); err != nil {
			a.Log.Errorf("Error closing Asynq client: %v", err)
		}
	}

	// 4. 关闭存储与数据库连接
	if a.serviceStore != nil {
		if err := a.serviceStore.Close(ctx); err != nil {
			a.Log.Errorf("Error closing service store connection: %v", err)
		}
	}
	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Log.Errorf("Error closing Redis connection: %v", err)
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	a.Log.Info("Application shutdown complete.")
}
