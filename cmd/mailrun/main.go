package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mailrun/mailrun/internal/config"
	"github.com/mailrun/mailrun/internal/email"
	"github.com/mailrun/mailrun/internal/logger"
	"github.com/mailrun/mailrun/internal/mailer"
	"github.com/mailrun/mailrun/internal/recipient"
	"github.com/mailrun/mailrun/internal/render"
)

// version is stamped at build time.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "mailrun",
	Short: "Send personalized email to every recipient in a CSV file",
	Long: `mailrun reads a recipient list from a CSV file, renders a text template
for each row, and delivers the result over SMTP, the Gmail API or Resend.

Every CSV column is available to the template by its snake_case header
name, alongside sender_name for the configured sender. Failures are
retried with exponential backoff and every recipient ends up with an
outcome in the summary.`,
	Example: `  mailrun --csv recipients.csv --subject "Welcome {{.first_name}}"
  mailrun --csv recipients.csv --template welcome.tmpl --dry-run
  MAILRUN_SMTP_PASSWORD=... mailrun --csv recipients.csv`,
	Version:       version,
	RunE:          runSend,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration and where each value came from",
	RunE:  runConfig,
}

func init() {
	f := rootCmd.PersistentFlags()
	f.String("config", "", "path to a YAML config file")
	f.String("csv", "", "path to the recipient CSV file")
	f.String("template", "", "path to the body template (built-in when empty)")
	f.String("subject", "Automated message", "message subject, rendered as a template")
	f.String("from-name", "", "sender display name")
	f.String("from-address", "", "sender address (defaults to the SMTP username)")
	f.String("provider", config.ProviderSMTP, "delivery backend: smtp, gmail or resend")
	f.Int("max-retries", 3, "retries per recipient after a transient failure")
	f.Duration("retry-backoff", time.Second, "initial retry delay, doubling per attempt")
	f.Bool("dry-run", false, "render and validate everything without sending")
	f.Float64("rate", 0, "maximum send attempts per second (0 = unlimited)")
	f.Int("concurrency", 1, "parallel sends (1 keeps the batch strictly in order)")
	f.String("log-level", "info", "log level: debug, info, warn or error")
	f.String("log-format", "text", "console log format: text or json")
	f.String("log-file", "mailrun.log", "rotating log file path (empty disables)")

	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.New(logger.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	defer log.Close()

	runLog := log.WithRunID(uuid.NewString())
	for key, src := range cfg.Sources() {
		runLog.Debug().Str("key", key).Str("source", string(src)).Msg("config")
	}

	// Stop cleanly on Ctrl-C; recipients not reached are reported as aborted
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recipients, err := recipient.LoadFile(cfg.CSV)
	if err != nil {
		runLog.Error().Err(err).Str("csv", cfg.CSV).Msg("failed to load recipient list")
		return err
	}
	runLog.Info().Int("recipients", len(recipients)).Str("csv", cfg.CSV).Msg("loaded recipient list")

	renderer, err := render.Load(cfg.Template, cfg.Subject, cfg.Sender.DisplayName())
	if err != nil {
		runLog.Error().Err(err).Str("template", cfg.Template).Msg("failed to load template")
		return err
	}

	sender, closeSender, err := buildSender(ctx, cfg)
	if err != nil {
		runLog.Error().Err(err).Str("provider", cfg.Provider).Msg("failed to set up provider")
		return err
	}
	defer closeSender()

	m := mailer.New(sender, renderer, runLog.WithComponent("mailer"), mailer.Options{
		MaxRetries:    cfg.Retry.Max,
		Backoff:       cfg.Retry.Backoff,
		Rate:          cfg.Send.Rate,
		Concurrency:   cfg.Send.Concurrency,
		DryRun:        cfg.DryRun,
		SenderAddress: cfg.Sender.Address,
	})

	runLog.Info().
		Str("provider", cfg.Provider).
		Bool("dry_run", cfg.DryRun).
		Int("recipients", len(recipients)).
		Msg("starting batch")

	start := time.Now()
	outcomes, runErr := m.Run(ctx, recipients)
	summary := mailer.Summarize(outcomes, time.Since(start))

	runLog.Info().
		Int("total", summary.Total).
		Int("sent", summary.Sent).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Interface("by_status", summary.ByStatus).
		Dur("duration", summary.Duration).
		Msg("batch finished")
	printSummary(summary, cfg.DryRun)

	// A completed batch exits zero even when individual recipients failed;
	// only an aborted batch is an error
	return runErr
}

// nopSender backs dry runs, where nothing may touch the network.
type nopSender struct{}

func (nopSender) Send(context.Context, *email.Message) error { return nil }

func buildSender(ctx context.Context, cfg *config.Config) (email.Sender, func(), error) {
	noop := func() {}

	if cfg.DryRun {
		return nopSender{}, noop, nil
	}

	switch cfg.Provider {
	case config.ProviderSMTP:
		s := email.NewSMTPSender(email.SMTPConfig{
			Host:               cfg.SMTP.Host,
			Port:               cfg.SMTP.Port,
			Username:           cfg.SMTP.Username,
			Password:           cfg.SMTP.Password,
			From:               cfg.Sender.String(),
			SSL:                cfg.SMTP.SSL(),
			InsecureSkipVerify: cfg.SMTP.InsecureSkipVerify,
			DialTimeout:        cfg.SMTP.Timeout,
		})
		return s, func() { _ = s.Close() }, nil

	case config.ProviderGmail:
		if cfg.Gmail.CredentialsJSON != "" {
			s, err := email.NewGmailSender(ctx, email.GmailConfig{
				CredentialsJSON: cfg.Gmail.CredentialsJSON,
				SenderAddress:   cfg.Sender.Address,
				SenderName:      cfg.Sender.Name,
			})
			return s, noop, err
		}
		s, err := email.NewGmailSenderWithToken(ctx,
			cfg.Gmail.ClientID, cfg.Gmail.ClientSecret, cfg.Gmail.RefreshToken,
			cfg.Sender.Address, cfg.Sender.Name)
		return s, noop, err

	case config.ProviderResend:
		s := email.NewResendSender(email.ResendConfig{
			APIKey: cfg.Resend.APIKey,
			From:   cfg.Sender.String(),
		})
		return s, noop, nil
	}

	return nil, nil, fmt.Errorf("unknown provider %q", cfg.Provider)
}

func printSummary(s mailer.Summary, dryRun bool) {
	mode := ""
	if dryRun {
		mode = " (dry run)"
	}
	fmt.Printf("Batch finished%s: %d total, %d sent, %d skipped, %d failed in %s\n",
		mode, s.Total, s.Sent, s.Skipped, s.Failed, s.Duration.Round(time.Millisecond))
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	keys := config.Keys()
	sort.Strings(keys)
	sources := cfg.Sources()

	for _, key := range keys {
		val := cfg.Value(key)
		if config.Secret(key) {
			if s, ok := val.(string); ok && s != "" {
				val = "(set)"
			}
		}
		fmt.Printf("%-27s %-8s %v\n", key, sources[key], val)
	}
	return nil
}
