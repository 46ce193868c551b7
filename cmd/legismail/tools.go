package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/foxzi/legismail/internal/config"
	"github.com/foxzi/legismail/internal/db"
	"github.com/foxzi/legismail/internal/dkim"
	"github.com/foxzi/legismail/internal/dnscheck"
	"github.com/foxzi/legismail/internal/mailer"
	"github.com/foxzi/legismail/internal/store"
)

var (
	dkimDomain   string
	dkimSelector string
	dkimOutDir   string

	checkSelector string
)

var smtpCmd = &cobra.Command{
	Use:   "smtp",
	Short: "Relay helpers",
}

var smtpResolveCmd = &cobra.Command{
	Use:   "resolve <sender_email>",
	Short: "Show which relay a sender address uses",
	Args:  cobra.ExactArgs(1),
	RunE:  runSMTPResolve,
}

var smtpCheckCmd = &cobra.Command{
	Use:   "check <sender_email>",
	Short: "Check SPF, DKIM and DMARC of a sender domain",
	Args:  cobra.ExactArgs(1),
	RunE:  runSMTPCheck,
}

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "API key commands",
}

var apikeyHashCmd = &cobra.Command{
	Use:   "hash <key>",
	Short: "Print the bcrypt hash to put in api.key_hash",
	Args:  cobra.ExactArgs(1),
	RunE:  runAPIKeyHash,
}

var dkimCmd = &cobra.Command{
	Use:   "dkim",
	Short: "DKIM key management commands",
}

var dkimGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new DKIM key pair",
	Long:  `Generate a new RSA 2048-bit DKIM key pair and output DNS record.`,
	RunE:  runDKIMGenerate,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the storage schema",
	RunE:  runMigrate,
}

func init() {
	dkimGenerateCmd.Flags().StringVar(&dkimDomain, "domain", "", "Domain name (required)")
	dkimGenerateCmd.Flags().StringVar(&dkimSelector, "selector", "legismail", "DKIM selector")
	dkimGenerateCmd.Flags().StringVar(&dkimOutDir, "out", ".", "Output directory for key file")
	dkimGenerateCmd.MarkFlagRequired("domain")

	smtpCheckCmd.Flags().StringVar(&checkSelector, "selector", "", "DKIM selector (default: smtp.dkim.selector when it signs this domain)")

	smtpCmd.AddCommand(smtpResolveCmd, smtpCheckCmd)
	apikeyCmd.AddCommand(apikeyHashCmd)
	dkimCmd.AddCommand(dkimGenerateCmd)
	rootCmd.AddCommand(smtpCmd, apikeyCmd, dkimCmd, migrateCmd)
}

func runSMTPResolve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	resolver, err := mailer.NewResolver(cfg.SMTP.Providers, cfg.SMTP.Host, cfg.SMTP.Port)
	if err != nil {
		return err
	}

	ep, known := resolver.Resolve(args[0])
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s\n", ep)
	if !known {
		fmt.Fprintf(out, "  domain not recognised, using the default relay\n")
	}
	return nil
}

// checker is replaced in tests
var checker = dnscheck.New(nil)

func runSMTPCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	resolver, err := mailer.NewResolver(cfg.SMTP.Providers, cfg.SMTP.Host, cfg.SMTP.Port)
	if err != nil {
		return err
	}
	ep, _ := resolver.Resolve(args[0])

	opts := dnscheck.Options{RelayHost: ep.Host, Selector: checkSelector}
	signer, err := dkim.NewSignerFromConfig(cfg.SMTP.DKIM)
	if err != nil {
		return fmt.Errorf("failed to load DKIM key: %w", err)
	}
	if signer != nil && signer.AppliesTo(args[0]) {
		if opts.Selector == "" {
			opts.Selector = signer.Selector()
		}
		if opts.Selector == signer.Selector() {
			opts.DKIMDomain = signer.Domain()
			if opts.DKIMRecord, err = signer.DNSRecord(); err != nil {
				return err
			}
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	report, err := checker.CheckSender(ctx, args[0], opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Domain: %s (relay %s)\n\n", report.Domain, ep)
	for _, r := range report.Results {
		fmt.Fprintf(out, "[%s] %s\n", strings.ToUpper(r.Status), r.Type)
		if r.Message != "" {
			fmt.Fprintf(out, "  %s\n", r.Message)
		}
		if r.Value != "" {
			fmt.Fprintf(out, "  %s\n", r.Value)
		}
	}
	fmt.Fprintf(out, "\n%d ok, %d warnings, %d errors, %d not found\n",
		report.Summary.OK, report.Summary.Warnings, report.Summary.Errors, report.Summary.NotFound)
	return nil
}

func runAPIKeyHash(cmd *cobra.Command, args []string) error {
	if len(args[0]) < 16 {
		return fmt.Errorf("API key must be at least 16 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash key: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), string(hash))
	return nil
}

func runDKIMGenerate(cmd *cobra.Command, args []string) error {
	kp, err := dkim.GenerateKey(dkimDomain, dkimSelector)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	keyPath := filepath.Join(dkimOutDir, fmt.Sprintf("%s.key", dkimDomain))
	if err := kp.Save(keyPath); err != nil {
		return fmt.Errorf("failed to save private key: %w", err)
	}

	record, err := kp.DNSRecord()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "DKIM key generated successfully\n\n")
	fmt.Fprintf(out, "Private key saved to: %s\n\n", keyPath)
	fmt.Fprintf(out, "DNS Record:\n")
	fmt.Fprintf(out, "  Name: %s\n", kp.DNSName())
	fmt.Fprintf(out, "  Type: TXT\n")
	fmt.Fprintf(out, "  Value: %s\n", record)

	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.Storage.Driver == config.DriverSQLite {
		database, err := db.New(cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.Migrate(); err != nil {
			return err
		}
	} else {
		// bolt creates its buckets on open
		s, err := store.Open(cfg.Storage)
		if err != nil {
			return err
		}
		s.Close()
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Migrations completed successfully")
	return nil
}
