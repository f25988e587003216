// Package bootstrap 按配置装配应用的全部组件，供 server 与 studyctl 共用。
package bootstrap

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"study-lifecycle-go/internal/config"
	"study-lifecycle-go/internal/folders"
	"study-lifecycle-go/internal/handler"
	"study-lifecycle-go/internal/jobs"
	"study-lifecycle-go/internal/middleware"
	"study-lifecycle-go/internal/model"
	"study-lifecycle-go/internal/pipeline"
	"study-lifecycle-go/internal/repository"
	"study-lifecycle-go/internal/service"
	"study-lifecycle-go/pkg/apperr"
	"study-lifecycle-go/pkg/cluster"
	"study-lifecycle-go/pkg/database"
	"study-lifecycle-go/pkg/es"
	"study-lifecycle-go/pkg/kafka"
	"study-lifecycle-go/pkg/log"
	"study-lifecycle-go/pkg/storage"
	"study-lifecycle-go/pkg/tasks"
	"study-lifecycle-go/pkg/token"
	"study-lifecycle-go/pkg/validator"
)

// Options 允许替换外部依赖。为 nil 的字段按配置创建生产实现。
type Options struct {
	DB        *gorm.DB
	Redis     *redis.Client
	Broker    jobs.Broker
	Fs        afero.Fs
	Validator pipeline.StudyValidator
	Cluster   cluster.Submitter
	Indexer   service.StudyIndexer
	Archiver  service.TreeArchiver
	Publisher service.Publisher
	// Worker 是本进程在心跳记录中使用的名称，缺省为主机名。
	Worker string
}

// App 持有装配好的组件。
type App struct {
	Config       config.Config
	DB           *gorm.DB
	Redis        *redis.Client
	Broker       jobs.Broker
	Runtime      *jobs.Runtime
	Maintainer   *folders.Maintainer
	Orchestrator *pipeline.Orchestrator
	Users        service.UserService
	Admin        service.AdminService
	Worker       string

	closers []io.Closer
}

// New 创建数据库、Redis、作业运行时与全部服务。
func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	app := &App{Config: cfg, Worker: opts.Worker}
	if app.Worker == "" {
		app.Worker, _ = os.Hostname()
	}

	// 1. 数据库与 Redis
	db := opts.DB
	if db == nil {
		var err error
		if db, err = database.OpenMySQL(cfg.Database.MySQL.DSN); err != nil {
			return nil, err
		}
		log.Info("MySQL database connected successfully")
	}
	if err := repository.AutoMigrate(db); err != nil {
		return nil, err
	}
	app.DB = db

	rdb := opts.Redis
	if rdb == nil {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Database.Redis.Addr,
			Password: cfg.Database.Redis.Password,
			DB:       cfg.Database.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, err
		}
		app.closers = append(app.closers, rdb)
	}
	app.Redis = rdb

	// 2. 作业运行时
	broker := opts.Broker
	if broker == nil {
		kb := kafka.NewBroker(cfg.Kafka)
		broker = kb
		app.closers = append(app.closers, kb)
	}
	app.Broker = broker
	app.Runtime = jobs.NewRuntime(broker, jobs.NewResultStore(rdb, cfg.Jobs.ResultTTL), cfg.Jobs)

	// 3. 外部客户端
	fsys := opts.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	app.Maintainer = folders.NewMaintainer(fsys, cfg.Storage)

	indexer := opts.Indexer
	if indexer == nil {
		client, err := es.NewClient(cfg.Elasticsearch)
		if err != nil {
			return nil, err
		}
		index := es.NewStudyIndex(client, cfg.Elasticsearch.IndexName)
		if err := index.EnsureIndex(ctx); err != nil {
			log.Warnf("[Bootstrap] 检查索引 %s 失败: %v", cfg.Elasticsearch.IndexName, err)
		}
		indexer = index
	}

	archiver := opts.Archiver
	if archiver == nil {
		archiver = disabledArchiver{}
		if cfg.MinIO.Endpoint != "" {
			client, err := storage.NewMinIO(ctx, cfg.MinIO)
			if err != nil {
				return nil, err
			}
			archiver = storage.NewArchiver(client, cfg.MinIO.BucketName, fsys)
		}
	}

	publisher := opts.Publisher
	if publisher == nil && cfg.Kafka.NotificationTopic != "" && cfg.Kafka.Brokers != "" {
		writer := kafka.NewEventWriter(cfg.Kafka)
		publisher = writer
		app.closers = append(app.closers, writer)
	}

	studyValidator := opts.Validator
	if studyValidator == nil {
		studyValidator = validator.NewClient(cfg.Validator)
	}
	submitter := opts.Cluster
	if submitter == nil {
		submitter = cluster.NewShellSubmitter(cfg.Cluster)
	}

	// 4. Repository 与 Service
	studyRepo := repository.NewStudyRepository(db)
	revisionRepo := repository.NewRevisionRepository(db)
	taskRepo := repository.NewTaskRepository(db)
	userRepo := repository.NewUserRepository(db)
	counterRepo := repository.NewCounterRepository(db)

	registry := service.NewRegistryService(db, studyRepo, counterRepo, revisionRepo, cfg.Identifiers)
	ledger := service.NewLedgerService(db, taskRepo, studyRepo)
	search := service.NewSearchService(registry, indexer, app.Runtime, rdb)
	notifier := service.NewNotificationService(publisher, cfg.Notifications)
	revisions := service.NewRevisionService(db, studyRepo, revisionRepo, registry, ledger, search, notifier,
		app.Maintainer, cfg.Revisions)
	archive := service.NewArchiveService(registry, revisions, archiver, app.Maintainer.Layout())

	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours)
	app.Users = service.NewUserService(userRepo, jwtManager)
	app.Admin = service.NewAdminService(userRepo)

	// 5. 流水线
	processor := pipeline.NewProcessor(pipeline.Deps{
		Registry:    registry,
		Revisions:   revisions,
		Ledger:      ledger,
		Search:      search,
		Notifier:    notifier,
		Archive:     archive,
		Permissions: service.NewPermissionService(registry),
		Maintainer:  app.Maintainer,
		Validator:   studyValidator,
		Cluster:     submitter,
		ClusterCfg:  cfg.Cluster,
	})
	app.Orchestrator = pipeline.NewOrchestrator(processor, app.Runtime)
	app.Orchestrator.Register(app.Runtime)
	app.Runtime.RegisterMonitor(app.Worker)

	// 同步 broker 没有独立的 worker 进程，直接消费全部池。
	if _, inline := broker.(*jobs.InlineBroker); inline {
		app.Runtime.Serve(tasks.AllPools...)
	}
	return app, nil
}

// disabledArchiver 在未配置对象存储时拒绝归档。
type disabledArchiver struct{}

func (disabledArchiver) ArchiveTree(ctx context.Context, root, prefix string) (int, error) {
	return 0, apperr.External.New("archive storage is not configured")
}

// Handlers 创建全部 HTTP 控制器。
func (a *App) Handlers() handler.Handlers {
	return handler.Handlers{
		Study:    handler.NewStudyHandler(a.Orchestrator),
		Revision: handler.NewRevisionHandler(a.Orchestrator),
		Search:   handler.NewSearchHandler(a.Orchestrator),
		Job:      handler.NewJobHandler(a.Runtime.Results(), a.Orchestrator),
		Admin:    handler.NewAdminHandler(a.Admin),
		Auth:     handler.NewAuthHandler(a.Users),
		User:     handler.NewUserHandler(),
	}
}

// Router 创建 Gin 引擎并注册全部路由以及 /metrics。
func (a *App) Router() *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"status": "ok"}) })
	handler.RegisterRoutes(r, a.Handlers(), middleware.AuthMiddleware(a.Users))
	return r
}

// RunWorkers 消费给定池的消息直到 ctx 结束。
func (a *App) RunWorkers(ctx context.Context, pools ...tasks.Pool) error {
	a.Runtime.Serve(pools...)
	log.Infof("[Bootstrap] worker %s 开始消费: %v", a.Worker, pools)
	err := a.Broker.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// heartbeatInterval 是 monitor 池心跳任务的提交周期。
const heartbeatInterval = 30 * time.Second

// RunSchedulers 按配置周期提交修订巡检、索引对账与心跳任务，直到 ctx 结束。
func (a *App) RunSchedulers(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		jobs.Every(ctx, "revision-sweep", a.Config.Revisions.SweepInterval, func(ctx context.Context) error {
			_, err := a.Orchestrator.SubmitMaintenanceJob(ctx, tasks.CheckStaleRevisions)
			return err
		})
		return nil
	})
	g.Go(func() error {
		jobs.Every(ctx, "index-sync", a.Config.Search.SyncInterval, func(ctx context.Context) error {
			_, err := a.Orchestrator.SubmitMaintenanceJob(ctx, tasks.SyncIndexes)
			return err
		})
		return nil
	})
	g.Go(func() error {
		jobs.Every(ctx, "heartbeat", heartbeatInterval, func(ctx context.Context) error {
			_, err := a.Runtime.Submit(ctx, []tasks.Kind{tasks.Heartbeat}, "", model.PipelineParams{Pipeline: string(tasks.Heartbeat)})
			return err
		})
		return nil
	})
	return g.Wait()
}

// Close 释放由 New 创建的连接。
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
