// scribe-worker consumes audio chunk tasks and maintains live SOAP notes.
//
// Subcommands:
//
//	run       start the worker loop (one worker per accelerator)
//	enqueue   push a chunk task onto the queue
//	draft     queue a referral or certificate draft for a session
//	feedback  apply a clinician decision to the training datasets
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/scribeworks/scribe/internal/config"
	"github.com/scribeworks/scribe/internal/dataset"
	"github.com/scribeworks/scribe/internal/feedback"
	"github.com/scribeworks/scribe/internal/provider"
	"github.com/scribeworks/scribe/internal/queue"
	"github.com/scribeworks/scribe/internal/schema"
	"github.com/scribeworks/scribe/internal/store"
	"github.com/scribeworks/scribe/internal/worker"
	"github.com/scribeworks/scribe/pkg/logutils"
)

// Populated at build time via -ldflags; falls back to module build info.
var version = "dev"

func build() string {
	if version != "dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if mv := info.Main.Version; mv != "" && mv != "(devel)" {
			return mv
		}
	}
	return version
}

func main() {
	ctx := context.Background()

	root := &cli.Command{
		Name:    "scribe-worker",
		Usage:   "sequential clinical scribe pipeline worker",
		Version: build(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to YAML config file",
				Sources: cli.EnvVars("SCRIBE_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log level (debug, info, warn, error)",
				Sources: cli.EnvVars("SCRIBE_LOG_LEVEL"),
				Value:   "info",
			},
			&cli.StringFlag{
				Name:    "log-file",
				Usage:   "path to log file (defaults to stderr)",
				Sources: cli.EnvVars("SCRIBE_LOG_FILE"),
			},
		},
		Commands: []*cli.Command{
			runCmd(),
			enqueueCmd(),
			draftCmd(),
			feedbackCmd(),
		},
	}

	if err := root.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds the wired runtime shared by all subcommands.
type app struct {
	cfg    config.Config
	log    zerolog.Logger
	store  store.Store
	queue  queue.Queue
	client *redis.Client
	closer func()
}

func setup(c *cli.Command) (*app, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}

	logger, closer, err := logutils.New(cfg.Log.Level, c.String("log-file"))
	if err != nil {
		return nil, fmt.Errorf("setup logger: %w", err)
	}

	a := &app{cfg: cfg, log: logger, closer: closer}

	if cfg.Redis.Addr == "" {
		// In-memory drivers: single-process dev and tests only. State dies
		// with the process.
		logger.Warn().Msg("no redis address configured, using in-memory state")
		a.store = store.NewMemory(store.WithTTL(cfg.Worker.SessionTTL.Std()))
		a.queue = queue.NewMemory(
			queue.WithConsumerID(cfg.Worker.ConsumerID),
			queue.WithMaxAttempts(cfg.Worker.MaxAttempts),
		)
		return a, nil
	}

	a.client = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.client.Ping(pingCtx).Err(); err != nil {
		closer()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}

	a.store, err = store.NewRedis(
		store.WithRedisClient(a.client),
		store.WithTTL(cfg.Worker.SessionTTL.Std()),
	)
	if err != nil {
		closer()
		return nil, err
	}
	a.queue, err = queue.NewRedis(
		queue.WithRedisClient(a.client),
		queue.WithConsumerID(cfg.Worker.ConsumerID),
		queue.WithMaxAttempts(cfg.Worker.MaxAttempts),
	)
	if err != nil {
		closer()
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	if a.queue != nil {
		_ = a.queue.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.client != nil {
		_ = a.client.Close()
	}
	if a.closer != nil {
		a.closer()
	}
}

func (a *app) providers() (provider.Set, error) {
	client, err := provider.NewOpenAIClient(provider.OpenAIOptions{
		BaseURL:        a.cfg.Model.BaseURL,
		APIKey:         a.cfg.Model.APIKey,
		ChatModel:      a.cfg.Model.ChatModel,
		AudioModel:     a.cfg.Model.AudioModel,
		RequestTimeout: a.cfg.Model.RequestTimeout.Std(),
	}, logutils.Component(a.log, "provider"))
	if err != nil {
		return provider.Set{}, err
	}
	return provider.Set{
		Transcriber: client,
		RoleTagger:  client,
		Masker:      provider.NewRegexMasker(),
		Generator:   client,
		Drafter:     client,
		Guardrail:   provider.NewOverlapGuardrail(),
		Safety:      provider.NewRuleSafetyChecker(),
	}, nil
}

func (a *app) feedbackService() (*feedback.Service, error) {
	builder, err := dataset.NewBuilder(dataset.Options{
		Dir:         a.cfg.Dataset.Dir,
		SFTFile:     a.cfg.Dataset.SFTFile,
		DPOFile:     a.cfg.Dataset.DPOFile,
		MetricsFile: a.cfg.Dataset.MetricsFile,
	})
	if err != nil {
		return nil, err
	}
	return feedback.NewService(
		a.store,
		builder,
		a.cfg.Feedback.DistanceThreshold,
		logutils.Component(a.log, "feedback"),
	), nil
}

func runCmd() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "start the worker loop",
		Action: func(ctx context.Context, c *cli.Command) error {
			a, err := setup(c)
			if err != nil {
				return err
			}
			defer a.close()

			set, err := a.providers()
			if err != nil {
				return err
			}
			svc, err := a.feedbackService()
			if err != nil {
				return err
			}

			// Tasks left pending by a previous crash go back to the ready
			// queue before we start consuming.
			if rec, ok := a.queue.(interface{ Recover(context.Context) error }); ok {
				if err := rec.Recover(ctx); err != nil {
					return fmt.Errorf("recover pending tasks: %w", err)
				}
			}

			wlog := logutils.Component(a.log, "worker")
			w := worker.New(a.store, a.queue, set, worker.Options{
				StageTimeout: a.cfg.Worker.StageTimeout.Std(),
				StageRetries: a.cfg.Worker.StageRetries,
				RetryBackoff: a.cfg.Worker.RetryBackoff.Std(),
				Logger:       wlog,
				OnCompleted: func(ctx context.Context, sessionID string) {
					if err := svc.FlushSessionSummary(ctx, sessionID); err != nil {
						wlog.Error().Err(err).Str("session", sessionID).Msg("session summary flush failed")
					}
				},
			})

			runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			wlog.Info().Str("consumer", a.cfg.Worker.ConsumerID).Msg("worker started")
			return w.Run(runCtx)
		},
	}
}

func enqueueCmd() *cli.Command {
	return &cli.Command{
		Name:  "enqueue",
		Usage: "push one chunk task onto the queue",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "session", Usage: "session ID", Required: true},
			&cli.Int64Flag{Name: "chunk", Usage: "chunk sequence (starts at 1)", Required: true},
			&cli.StringFlag{Name: "audio", Usage: "audio file reference", Required: true},
			&cli.BoolFlag{Name: "last", Usage: "mark as the session's final chunk"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			a, err := setup(c)
			if err != nil {
				return err
			}
			defer a.close()

			task := schema.ChunkTask{
				SessionID:  c.String("session"),
				ChunkSeq:   c.Int64("chunk"),
				AudioRef:   c.String("audio"),
				IsLast:     c.Bool("last"),
				EnqueuedAt: time.Now().UTC(),
			}
			if err := a.queue.Enqueue(ctx, task); err != nil {
				return err
			}
			a.log.Info().Str("session", task.SessionID).Int64("chunk", task.ChunkSeq).Msg("task enqueued")
			return nil
		},
	}
}

func draftCmd() *cli.Command {
	return &cli.Command{
		Name:  "draft",
		Usage: "queue a referral or certificate draft for a session",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "session", Usage: "session ID", Required: true},
			&cli.StringFlag{Name: "type", Usage: "referral or certificate", Required: true},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			docType := schema.DocumentType(c.String("type"))
			if !docType.Valid() {
				return fmt.Errorf("unknown document type %q", docType)
			}

			a, err := setup(c)
			if err != nil {
				return err
			}
			defer a.close()

			task := schema.ChunkTask{
				SessionID:  c.String("session"),
				Kind:       schema.TaskDocument,
				DocType:    docType,
				EnqueuedAt: time.Now().UTC(),
			}
			if err := a.queue.Enqueue(ctx, task); err != nil {
				return err
			}
			a.log.Info().Str("session", task.SessionID).Str("doc_type", string(docType)).Msg("document task enqueued")
			return nil
		},
	}
}

func feedbackCmd() *cli.Command {
	return &cli.Command{
		Name:  "feedback",
		Usage: "apply a clinician decision to the training datasets",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "session", Usage: "session ID", Required: true},
			&cli.Int64Flag{Name: "chunk", Usage: "chunk sequence", Required: true},
			&cli.StringFlag{Name: "decision", Usage: "accept, edit or reject", Required: true},
			&cli.StringFlag{Name: "original", Usage: "path to the generated note text"},
			&cli.StringFlag{Name: "edited", Usage: "path to the clinician's replacement text"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			a, err := setup(c)
			if err != nil {
				return err
			}
			defer a.close()

			svc, err := a.feedbackService()
			if err != nil {
				return err
			}

			rec := schema.FeedbackRecord{
				SessionID:  c.String("session"),
				ChunkSeq:   c.Int64("chunk"),
				Decision:   schema.Decision(c.String("decision")),
				ReceivedAt: time.Now().UTC(),
			}
			if p := c.String("original"); p != "" {
				raw, err := os.ReadFile(p)
				if err != nil {
					return fmt.Errorf("read original note: %w", err)
				}
				rec.OriginalNote = string(raw)
			}
			if p := c.String("edited"); p != "" {
				raw, err := os.ReadFile(p)
				if err != nil {
					return fmt.Errorf("read edited note: %w", err)
				}
				rec.EditedNote = string(raw)
			}
			return svc.Handle(ctx, rec)
		},
	}
}
