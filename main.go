package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	fiberredis "github.com/gofiber/storage/redis/v3"
	"github.com/haukh/idport/internal/actor"
	"github.com/haukh/idport/internal/audit"
	"github.com/haukh/idport/internal/common"
	"github.com/haukh/idport/internal/config"
	"github.com/haukh/idport/internal/credentials"
	"github.com/haukh/idport/internal/entities"
	"github.com/haukh/idport/internal/handlers/api"
	"github.com/haukh/idport/internal/mail"
	"github.com/haukh/idport/internal/middlewares"
	"github.com/haukh/idport/internal/orgs"
	"github.com/haukh/idport/internal/poller"
	"github.com/haukh/idport/internal/proxy"
	"github.com/haukh/idport/internal/render"
	"github.com/haukh/idport/internal/settings"
	"github.com/haukh/idport/internal/store"
	"github.com/haukh/idport/model"
	"github.com/haukh/idport/params"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
	"gorm.io/plugin/dbresolver"
)

var (
	app       *cli.App
	gitCommit string
	gitDate   string
)

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "YAML config file",
		Value: "config.yaml",
	}
	debugFlag = &cli.BoolFlag{
		Name:  "debug",
		Usage: "Enable debug logging",
	}
)

func init() {
	app = cli.NewApp()
	app.EnableBashCompletion = true
	app.Usage = "idport - identity portal reconciliation engine"
	app.Flags = []cli.Flag{
		configFileFlag,
		debugFlag,
	}
	app.Commands = []*cli.Command{
		{
			Name: "version",
			Action: func(ctx *cli.Context) error {
				fmt.Println(params.VersionWithCommit(gitCommit, gitDate))
				return nil
			},
		},
		{
			Name:      "gen-token",
			Usage:     "Mint an admin bearer token for the API",
			ArgsUsage: "<subject>",
			Action:    genToken,
		},
	}
	app.Action = run
}

func mustInitLogger(debug bool) {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}

func mustInitDatabase(dbConfig config.MySQLConfig) *gorm.DB {
	db, err := gorm.Open(mysql.Open(dbConfig.Dsn), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{
			TablePrefix:   dbConfig.TablePrefix,
			SingularTable: true,
		},
	})
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if dbConfig.ReplicaDsn != "" {
		// Audit queries and entity listings can be heavy; route reads to the
		// replica when one is configured.
		err = db.Use(dbresolver.Register(dbresolver.Config{
			Replicas: []gorm.Dialector{mysql.Open(dbConfig.ReplicaDsn)},
		}))
		if err != nil {
			slog.Error("Failed to register database replica", "error", err)
			os.Exit(1)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		slog.Error("Failed to access database pool", "error", err)
		os.Exit(1)
	}
	if dbConfig.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(dbConfig.MaxIdleConns)
	}
	if dbConfig.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(dbConfig.MaxOpenConns)
	}
	if dbConfig.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(time.Duration(dbConfig.ConnMaxIdleTime) * time.Second)
	}
	if dbConfig.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(dbConfig.ConnMaxLifetime) * time.Second)
	}

	if err := db.AutoMigrate(model.Models...); err != nil {
		slog.Error("Database migration failed", "error", err)
		os.Exit(1)
	}

	return db
}

// mustInitCacheStorage returns the shared cache/lock storage and, when redis
// backed, the client used for readiness checks.
func mustInitCacheStorage(cacheCfg config.CacheConfig) (store.Storage, redis.UniversalClient) {
	if cacheCfg.Backend == "memory" {
		slog.Warn("Using in-memory cache storage, poll locks are not shared across instances")
		return store.NewMemoryStorage(), nil
	}
	redisStorage := fiberredis.New(fiberredis.Config{
		URL:           cacheCfg.Redis.URL,
		PoolSize:      cacheCfg.Redis.PoolSize,
		IsClusterMode: cacheCfg.Redis.ClusterMode,
	})
	return store.NewRedisStorage(redisStorage.Conn()), redisStorage.Conn()
}

func mustInitMailSender(mailCfg config.MailConfig) mail.MailSender {
	if mailCfg.Backend == "" {
		return nil
	}
	if mailCfg.Backend != "smtp" {
		slog.Error("Unsupported mail sender backend", "backend", mailCfg.Backend)
		os.Exit(1)
	}
	sender, err := mail.NewSMTPMailSender(mail.SMTPConfig{
		Host:     mailCfg.SMTP.Host,
		Port:     mailCfg.SMTP.Port,
		Username: mailCfg.SMTP.Username,
		Password: mailCfg.SMTP.Password,
	}, mailCfg.SMTP.From)
	if err != nil {
		slog.Error("Failed to initialize SMTP mail sender", "error", err)
		os.Exit(1)
	}
	return sender
}

func genToken(ctx *cli.Context) error {
	subject := ctx.Args().First()
	if subject == "" {
		return fmt.Errorf("usage: gen-token <subject>")
	}
	cfg, err := config.LoadConfig(ctx.String(configFileFlag.Name))
	if err != nil {
		return err
	}
	token, err := actor.NewResolver(cfg.MasterKey, nil).IssueToken(subject)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func run(ctx *cli.Context) error {
	cfg, err := config.LoadConfig(ctx.String(configFileFlag.Name))
	if err != nil {
		slog.Error("Could not load config file.", "error", err)
		return err
	}

	mustInitLogger(cfg.Debug || ctx.IsSet(debugFlag.Name))

	globalVars := map[string]interface{}{
		"siteName": cfg.SiteName,
		"baseURL":  cfg.BaseURL,
	}
	if err := render.Initialize(globalVars, ""); err != nil {
		return err
	}

	settings.SetDefaultInterval(cfg.Sync.DefaultIntervalSeconds)

	db := mustInitDatabase(cfg.MySQL)
	cacheStorage, rdb := mustInitCacheStorage(cfg.Cache)
	mailSender := mustInitMailSender(cfg.Mail)

	// repositories
	var (
		orgsRepo     = orgs.NewRepository(db)
		entityRepo   = entities.NewEntityRepository(db)
		eventRepo    = audit.NewEventRepository(db)
		credRepo     = credentials.NewCredentialRepository(db)
		settingsRepo = settings.NewRepository(db)
	)

	// services
	var (
		auditLog     = audit.NewLog(eventRepo)
		credsService = credentials.NewService(credRepo, cacheStorage, cfg.MasterKey)
		mirror       = entities.NewMirror(entityRepo, auditLog)
	)

	baseURLOverrides := make(map[string]string, len(cfg.IdP))
	for kind, idpCfg := range cfg.IdP {
		baseURLOverrides[kind] = idpCfg.BaseURL
	}
	gateway := proxy.NewGateway(credsService, mirror, settingsRepo, auditLog, cacheStorage, baseURLOverrides)
	mirror.SetPusher(gateway)
	if mailSender != nil {
		mirror.SetNotifier(mail.NewEscalationNotifier(mailSender, orgsRepo, cfg.BaseURL))
	}

	scheduler := poller.NewScheduler(settingsRepo, gateway, mirror, auditLog, cacheStorage)
	if cfg.Sync.PollerEnabled {
		go scheduler.Run(ctx.Context)
	}

	router := fiber.New(fiber.Config{
		Prefork:       false,
		CaseSensitive: true,
		BodyLimit:     params.ServerBodyLimit,
		IdleTimeout:   params.ServerIdleTimeout,
		ReadTimeout:   params.ServerReadTimeout,
		WriteTimeout:  params.ServerWriteTimeout,
		ErrorHandler:  middlewares.ErrorHandler,
	})
	router.Use(recover.New())
	router.Use(logger.New())

	resolver := actor.NewResolver(cfg.MasterKey, cfg.ServiceKeys)
	api.RegisterRoutes(router, resolver, api.Handlers{
		Proxy:       api.NewProxyHandler(gateway),
		Events:      api.NewEventsHandler(auditLog),
		Settings:    api.NewSettingsHandler(settingsRepo, scheduler),
		Entities:    api.NewEntitiesHandler(mirror, settingsRepo),
		Credentials: api.NewCredentialsHandler(credsService, auditLog),
		Orgs:        api.NewOrgsHandler(orgsRepo),
	})

	healthCheckCtx, term := context.WithCancel(ctx.Context)
	done := make(chan struct{})
	go common.StartHealthCheckServer(healthCheckCtx, done, rdb, db)
	defer func() {
		term()
		<-done
	}()
	return router.Listen(cfg.ListenAddr)
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
