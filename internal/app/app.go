package app

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/scanbridge/gradescan/internal/config"
	"github.com/scanbridge/gradescan/internal/delivery/httpd"
	"github.com/scanbridge/gradescan/internal/repository"
	"github.com/scanbridge/gradescan/internal/service/integration"
	"github.com/scanbridge/gradescan/internal/service/matcher"
	"github.com/scanbridge/gradescan/internal/service/pipeline"
	"github.com/scanbridge/gradescan/internal/service/storage"
	"github.com/scanbridge/gradescan/pkg/hash"
	"github.com/scanbridge/gradescan/pkg/rabbitmq"
	"github.com/scanbridge/gradescan/pkg/token"
)

type App struct {
	server   *http.Server
	pipeline *pipeline.Pipeline
	source   storage.FileSource
	notifier integration.Notifier
	logger   zerolog.Logger
	config   *config.Config
	db       *sql.DB
	stopPoll chan struct{}
}

func New(cfg *config.Config, log zerolog.Logger, db *sql.DB) (*App, error) {
	documentRepo := repository.NewDocumentRepository(db, log)
	directoryRepo := repository.NewDirectoryRepository(db, log)

	source, err := storage.NewMinioSource(cfg.MinIO, cfg.Storage, log)
	if err != nil {
		return nil, err
	}

	signer := token.NewSigner(cfg.Server.TokenSecret)

	notifier := integration.Notifier(integration.NewNoopNotifier())
	if cfg.RabbitMQ.Enabled {
		conn, err := rabbitmq.NewConnection(cfg.RabbitMQ.URL)
		if err != nil {
			// The pipeline degrades to log-only notifications.
			log.Error().Err(err).Msg("Failed to connect to RabbitMQ, notifications disabled")
		} else {
			channel, err := rabbitmq.NewChannel(conn)
			if err != nil {
				log.Error().Err(err).Msg("Failed to open RabbitMQ channel, notifications disabled")
			} else {
				notifier, err = integration.NewRabbitNotifier(
					channel, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.RoutingKey,
					signer, cfg.Server.BaseURL, log,
				)
				if err != nil {
					return nil, err
				}
			}
		}
	}

	retry := integration.NewRetryPolicy(cfg.OCR.MaxRetries, cfg.OCR.RetryDelay, cfg.OCR.MaxDelay)
	ocrClient := integration.NewOCRClient(
		cfg.OCR.BaseURL, cfg.OCR.APIKey, cfg.OCR.Model,
		cfg.OCR.Timeout, retry, log,
	)

	pipe := pipeline.New(
		documentRepo,
		directoryRepo,
		source,
		ocrClient,
		notifier,
		hash.NewDigester(hash.Algorithm(cfg.Hash.Algorithm)),
		pipeline.Config{
			ConfidenceThreshold: cfg.Pipeline.ConfidenceThreshold,
			Matcher: matcher.Config{
				TitleWeight:       cfg.Pipeline.TitleWeight,
				DateWeight:        cfg.Pipeline.DateWeight,
				CourseWeight:      cfg.Pipeline.CourseWeight,
				DateToleranceDays: cfg.Pipeline.DateToleranceDays,
			},
			Folders: pipeline.Folders{
				Pending:    cfg.Storage.PendingFolder,
				Duplicates: cfg.Storage.DuplicatesFolder,
				Failed:     cfg.Storage.FailedFolder,
			},
		},
		log,
	)

	handler := httpd.NewHandler(pipe, documentRepo, signer, log)

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      handler.Router(cfg.CORS),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &App{
		server:   server,
		pipeline: pipe,
		source:   source,
		notifier: notifier,
		logger:   log,
		config:   cfg,
		db:       db,
		stopPoll: make(chan struct{}),
	}, nil
}

func (a *App) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	for _, folder := range []string{
		a.config.Storage.InboxFolder,
		a.config.Storage.PendingFolder,
		a.config.Storage.DuplicatesFolder,
		a.config.Storage.FailedFolder,
	} {
		if err := a.source.EnsureFolder(ctx, folder); err != nil {
			a.logger.Warn().Err(err).Str("folder", folder).Msg("Failed to ensure folder")
		}
	}
	cancel()

	if a.config.Pipeline.PollEnabled {
		go a.poll()
	}

	a.logger.Info().Msgf("Starting gradescan on %s", a.config.Server.Address)
	return a.server.ListenAndServe()
}

// poll runs the pipeline on a fixed interval until Shutdown. The first run
// starts immediately so a restart picks up waiting scans without delay.
func (a *App) poll() {
	ticker := time.NewTicker(a.config.Pipeline.PollInterval)
	defer ticker.Stop()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), a.config.Pipeline.PollInterval)
		if _, err := a.pipeline.Run(ctx); err != nil {
			a.logger.Error().Err(err).Msg("Scheduled pipeline run failed")
		}
		cancel()

		select {
		case <-a.stopPoll:
			return
		case <-ticker.C:
		}
	}
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info().Msg("Shutting down gradescan...")

	close(a.stopPoll)

	if err := a.notifier.Close(); err != nil {
		a.logger.Error().Err(err).Msg("Failed to close notifier")
	}

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error().Err(err).Msg("Failed to close database connection")
		}
	}

	return a.server.Shutdown(ctx)
}
