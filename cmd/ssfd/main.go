package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nicdard/ssf-ds/internal/api"
	"github.com/nicdard/ssf-ds/internal/apierrors"
	"github.com/nicdard/ssf-ds/internal/bootstrap"
	"github.com/nicdard/ssf-ds/internal/config"
	"github.com/nicdard/ssf-ds/internal/folder"
	"github.com/nicdard/ssf-ds/internal/httputil"
	"github.com/nicdard/ssf-ds/internal/identity"
	"github.com/nicdard/ssf-ds/internal/keypackage"
	"github.com/nicdard/ssf-ds/internal/metadata"
	"github.com/nicdard/ssf-ds/internal/notify"
	"github.com/nicdard/ssf-ds/internal/object"
	"github.com/nicdard/ssf-ds/internal/postgres"
	"github.com/nicdard/ssf-ds/internal/queue"
	"github.com/nicdard/ssf-ds/internal/user"
	"github.com/nicdard/ssf-ds/internal/valkey"
)

// server holds the shared dependencies used by route handlers and middleware.
type server struct {
	cfg        *config.Config
	db         *pgxpool.Pool
	rdb        *redis.Client
	userRepo   user.Repository
	folderRepo folder.Repository
	keyRepo    keypackage.Repository
	queueRepo  queue.Repository
	meta       *metadata.Coordinator
	bus        *notify.Bus
}

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	log.Info().Str("env", cfg.ServerEnv).Msg("Starting SSF delivery service")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard. Set an explicit origin when in production.")
	}

	ctx := context.Background()

	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	if err := postgres.Migrate(cfg.DatabaseURL, log.Logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Valkey connected")

	store, err := newObjectStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialise object store: %w", err)
	}

	tlsConfig, err := bootstrap.LoadServerTLSConfig(cfg.MTLSCACertPath, cfg.MTLSServerCertPath, cfg.MTLSServerKeyPath)
	if err != nil {
		return fmt.Errorf("load mTLS configuration: %w", err)
	}

	userRepo := user.NewPGRepository(db, log.Logger)
	folderRepo := folder.NewPGRepository(db, log.Logger)
	keyRepo := keypackage.NewPGRepository(db, log.Logger)
	queueRepo := queue.NewPGRepository(db, log.Logger)
	meta := metadata.NewCoordinator(store, log.Logger)
	bus := notify.NewBus(rdb, log.Logger)

	busCtx, busCancel := context.WithCancel(ctx)
	defer busCancel()
	go func() {
		if err := bus.Run(busCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Notification bus stopped")
		}
	}()

	app := fiber.New(fiber.Config{
		AppName:   "ssf-ds",
		BodyLimit: cfg.BodyLimitBytes(),
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			code := apierrors.CodeInternal
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
				message = fe.Message
				code = codeForStatus(status)
			} else {
				log.Error().Err(err).Str("method", c.Method()).Str("path", c.Path()).Msg("Unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{Error: httputil.ErrorBody{Code: code, Message: message}})
		},
	})

	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Split(cfg.CORSAllowOrigins, ","),
		AllowMethods: []string{"GET", "POST", "PATCH", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.RateLimitAPIRequests,
		Expiration: time.Duration(cfg.RateLimitAPIWindowSeconds) * time.Second,
	}))

	srv := &server{
		cfg: cfg, db: db, rdb: rdb,
		userRepo: userRepo, folderRepo: folderRepo, keyRepo: keyRepo, queueRepo: queueRepo,
		meta: meta, bus: bus,
	}
	srv.registerRoutes(app)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		busCancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	ln, err := tls.Listen("tcp", addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("create mTLS listener: %w", err)
	}

	log.Info().Str("addr", addr).Msg("Server listening (mTLS)")
	if err := app.Listener(ln); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// newObjectStore builds the configured object store backend (C4).
func newObjectStore(ctx context.Context, cfg *config.Config) (object.Store, error) {
	switch cfg.StorageBackend {
	case "local":
		return object.NewLocalStore(cfg.StorageLocalPath)
	case "s3":
		return object.NewS3Store(ctx, object.S3Config{
			Bucket: cfg.S3Bucket, Endpoint: cfg.S3Endpoint,
			AccessKeyID: cfg.S3AccessKeyID, SecretAccessKey: cfg.S3SecretAccessKey,
			Region: cfg.S3Region, ForcePathStyle: cfg.S3ForcePathStyle,
			ConditionalWritesOK: cfg.S3ConditionalWritesOK,
		})
	default:
		return nil, fmt.Errorf("unsupported storage backend: %q", cfg.StorageBackend)
	}
}

// codeForStatus maps a raw HTTP status (from Fiber's built-in errors, e.g. 404 on an unmatched route) to the stable
// apierrors.Code vocabulary used everywhere else.
func codeForStatus(status int) apierrors.Code {
	switch status {
	case fiber.StatusUnauthorized:
		return apierrors.CodeUnauthorized
	case fiber.StatusNotFound:
		return apierrors.CodeNotFound
	case fiber.StatusConflict:
		return apierrors.CodeConflict
	case fiber.StatusTooManyRequests:
		return apierrors.CodeRetryAfter
	case fiber.StatusBadRequest:
		return apierrors.CodeBadRequest
	default:
		return apierrors.CodeInternal
	}
}

func (s *server) registerRoutes(app *fiber.App) {
	requireIdentity := identity.Require(s.userRepo, log.Logger)

	userHandler := api.NewUserHandler(s.userRepo, log.Logger)
	app.Post("/users", userHandler.Register)
	app.Get("/users", requireIdentity, userHandler.List)

	folderHandler := api.NewFolderHandler(s.folderRepo, s.meta, s.queueRepo, s.bus, log.Logger)
	app.Post("/folders", requireIdentity, folderHandler.Create)
	app.Get("/folders", requireIdentity, folderHandler.List)
	app.Get("/folders/:id", requireIdentity, folderHandler.Get)
	app.Patch("/folders/:id", requireIdentity, folderHandler.Share)
	app.Patch("/v2/folders/:id", requireIdentity, folderHandler.ShareWithProposal)
	app.Post("/folders/:id/welcome", requireIdentity, folderHandler.Welcome)
	app.Delete("/folders/:id", requireIdentity, folderHandler.Delete)
	app.Post("/folders/:id/files/:file_id", requireIdentity, folderHandler.UploadFile)
	app.Get("/folders/:id/files/:file_id", requireIdentity, folderHandler.GetFile)
	app.Get("/folders/:id/metadatas", requireIdentity, folderHandler.GetMetadataObject)
	app.Post("/folders/:id/metadatas", requireIdentity, folderHandler.PostMetadataObject)

	keyHandler := api.NewKeyPackageHandler(s.keyRepo, s.folderRepo, s.bus, log.Logger)
	app.Post("/users/keys", requireIdentity, keyHandler.Publish)
	app.Post("/folders/:id/keys", requireIdentity, keyHandler.Consume)

	proposalHandler := api.NewProposalHandler(s.folderRepo, s.queueRepo, s.bus, log.Logger)
	app.Post("/folders/:id/proposals", requireIdentity, proposalHandler.Publish)
	app.Patch("/folders/:id/proposals", requireIdentity, proposalHandler.PublishApplicationPayload)
	app.Get("/folders/:id/proposals", requireIdentity, proposalHandler.GetFirst)
	app.Delete("/folders/:id/proposals/:msg_id", requireIdentity, proposalHandler.Ack)

	notifyHandler := api.NewNotifyHandler(s.bus, log.Logger)
	app.Get("/notifications", requireIdentity, notifyHandler.Stream)

	app.Use(func(_ fiber.Ctx) error {
		return fiber.ErrNotFound
	})
}
