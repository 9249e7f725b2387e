package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/newsletter-threader/internal/api"
	"github.com/Martian-dev/newsletter-threader/internal/auth"
	"github.com/Martian-dev/newsletter-threader/internal/config"
	"github.com/Martian-dev/newsletter-threader/internal/dedup"
	"github.com/Martian-dev/newsletter-threader/internal/llm"
	"github.com/Martian-dev/newsletter-threader/internal/logging"
	"github.com/Martian-dev/newsletter-threader/internal/mail"
	"github.com/Martian-dev/newsletter-threader/internal/monitor"
)

var (
	cfgPath string
	cfg     *config.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "threader",
	Short:         "Turn newsletters into social threads and answer mentions",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(cfgPath); err != nil {
			return err
		}
		logger, err = logging.New(cfg.Log.Level, cfg.Log.Format)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch the inbox and mentions until interrupted",
	RunE:  runService,
}

var sessionCheckCmd = &cobra.Command{
	Use:   "session-check",
	Short: "Log in to the platform once and report the account",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessions := newSessions(cfg, logger)
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Platform.CallTimeout.Std()*2)
		defer cancel()

		if err := sessions.EnsureAuthenticated(ctx); err != nil {
			return err
		}
		u := sessions.User()
		fmt.Fprintf(cmd.OutOrStdout(), "authenticated as @%s (%s)\n", u.Username, u.ID)
		return nil
	},
}

var classifyCmd = &cobra.Command{
	Use:   "classify <message-id>",
	Short: "Fetch one message and print its classification",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		provider, err := newMailProvider(ctx, cfg)
		if err != nil {
			return err
		}
		gen, err := llm.NewGeminiClient(ctx, cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.Temperature)
		if err != nil {
			return err
		}

		item, err := (&mail.Fetcher{Provider: provider}).Fetch(ctx, args[0])
		if err != nil {
			return err
		}
		verdict, err := llm.NewClassifier(gen, logger).Classify(ctx, item)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"id":          item.ID,
			"subject":     item.Subject,
			"received_at": item.ReceivedAt,
			"kind":        verdict.Kind.String(),
			"topics":      verdict.Topics,
			"reason":      verdict.Reason,
		})
	},
}

var operatorCmd = &cobra.Command{
	Use:   "operator",
	Short: "Manage operator API accounts",
}

var operatorAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Create an operator; the password is read from stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Journal.Path == "" {
			return errors.New("operators live in the journal; set journal.path")
		}
		store, err := openJournal(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		password, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && password == "" {
			return fmt.Errorf("read password: %w", err)
		}
		op, err := auth.NewOperatorService(store.DB).CreateOperator(cmd.Context(), args[0], strings.TrimSpace(password))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "operator %s created\n", op.Username)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "threader.yaml", "path to config file")
	operatorCmd.AddCommand(operatorAddCmd)
	rootCmd.AddCommand(runCmd, sessionCheckCmd, classifyCmd, operatorCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runService(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger
	watermark := dedup.NewWatermark(time.Now())
	ledger := dedup.NewLedger()

	svc, err := buildService(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.sessions.EnsureAuthenticated(ctx); err != nil {
		log.Warn("initial login failed, loops will retry", zap.Error(err))
	}

	inbox := monitor.NewInboxMonitor(monitor.InboxDeps{
		Mail:       svc.mail,
		Sessions:   svc.sessions,
		Watermark:  watermark,
		Ledger:     ledger,
		Classifier: svc.classifier,
		Writer:     svc.writer,
		Publisher:  svc.threads,
		Sink:       svc.sink,
	}, monitor.InboxConfig{
		PollInterval:    cfg.Mail.PollInterval.Std(),
		ErrorBackoff:    cfg.Mail.ErrorBackoff.Std(),
		TopicPause:      cfg.Publish.TopicPause.Std(),
		CallTimeout:     cfg.Platform.CallTimeout.Std(),
		GenerateTimeout: cfg.LLM.Timeout.Std(),
	}, log)

	g, gctx := errgroup.WithContext(ctx)
	sup := monitor.NewSupervisor(log)

	if err := sup.Start(gctx, "inbox", inbox); err != nil {
		return err
	}

	if cfg.Mentions.Enabled {
		mentions := monitor.NewMentionMonitor(monitor.MentionDeps{
			Sessions:  svc.sessions,
			Watermark: watermark,
			Ledger:    ledger,
			Replies:   svc.writer,
			Publisher: svc.replies,
			Sink:      svc.sink,
		}, mentionConfig(cfg), log)
		if err := sup.Start(gctx, "mentions", mentions); err != nil {
			return err
		}
	}

	if svc.dispatcher != nil {
		if err := sup.Start(gctx, "outbox", svc.dispatcher); err != nil {
			return err
		}
	}

	g.Go(sup.Wait)

	if cfg.API.Listen != "" {
		deps := api.Deps{
			Sessions:  svc.sessions,
			Loops:     sup,
			Watermark: watermark,
			Ledger:    ledger,
			Operators: svc.operators,
		}
		if svc.journal != nil {
			deps.Journal = svc.journal
		}
		if cfg.API.JWKSURL != "" {
			verifier, err := auth.NewJWTVerifier(gctx, cfg.API.JWKSURL)
			if err != nil {
				sup.StopAll()
				_ = g.Wait()
				return err
			}
			deps.Verifier = verifier
		}
		router := api.NewRouter(deps, log)
		g.Go(func() error { return api.Serve(gctx, cfg.API.Listen, router, log) })
	}

	log.Info("threader running", zap.Time("watermark", watermark.At()), zap.Strings("loops", sup.Running()))
	err = g.Wait()
	log.Info("threader stopped", zap.Int("handled", ledger.Len()))
	return err
}
