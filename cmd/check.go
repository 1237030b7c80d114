package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ASH1998/LumiBox/config"
	"github.com/ASH1998/LumiBox/store"
)

var ErrCheckFailed = errors.New("setup check failed")

type checker struct {
	out    io.Writer
	passed int
	failed int
}

func (c *checker) ok(format string, args ...any) {
	c.passed++
	fmt.Fprintf(c.out, "  ✓ "+format+"\n", args...)
}

func (c *checker) fail(format string, args ...any) {
	c.failed++
	fmt.Fprintf(c.out, "  ✗ "+format+"\n", args...)
}

func (c *checker) note(format string, args ...any) {
	fmt.Fprintf(c.out, "    "+format+"\n", args...)
}

func newCheckCommand() *cobra.Command {
	var connect bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify the processing document, environment and database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags, err := loadCommonFlags(cmd)
			if err != nil {
				return err
			}
			c := &checker{out: cmd.OutOrStdout()}
			runChecks(cmd.Context(), c, flags, connect)

			fmt.Fprintf(c.out, "\nResults: %d/%d checks passed\n", c.passed, c.passed+c.failed)
			if c.failed > 0 {
				return fmt.Errorf("%w: %d problem(s)", ErrCheckFailed, c.failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&connect, "connect", false, "Also connect to PostgreSQL")
	return cmd
}

func runChecks(ctx context.Context, c *checker, flags commonFlags, connect bool) {
	fmt.Fprintln(c.out, "Environment")
	found, err := config.LoadDotEnv(flags.envFile)
	switch {
	case err != nil:
		c.fail("%s could not be read: %v", flags.envFile, err)
	case found:
		c.ok("%s loaded", flags.envFile)
	default:
		c.note("%s not found, using the process environment", flags.envFile)
	}

	settings, err := config.DatabaseFromEnv()
	settingsOK := err == nil
	var missing *config.MissingEnvError
	switch {
	case errors.As(err, &missing):
		c.fail("missing environment variables: %v", missing.Vars)
	case err != nil:
		c.fail("database settings: %v", err)
	default:
		c.ok("database settings: %s", settings.Redacted())
	}
	namespace := config.NamespaceFromEnv()
	c.ok("namespace: %s", namespace)

	fmt.Fprintln(c.out, "\nProcessing document")
	doc, err := config.Load(flags.configPath)
	var (
		notFound *config.NotFoundError
		invalid  *config.ValidationError
	)
	switch {
	case errors.As(err, &notFound):
		c.fail("%s not found (create one with `lumibox config init`)", flags.configPath)
	case errors.As(err, &invalid):
		c.fail("%s is invalid", flags.configPath)
		for _, p := range invalid.Problems {
			c.note("- %s", p)
		}
	case err != nil:
		c.fail("%v", err)
	default:
		c.ok("%s is valid", flags.configPath)
		for _, def := range doc.Tables() {
			if _, err := def.Statement(namespace); err != nil {
				c.fail("%s table: %v", def.Key, err)
				continue
			}
			c.ok("%s table %q resolves for namespace %s", def.Key, def.Name, namespace)
		}
	}

	if !connect {
		return
	}
	fmt.Fprintln(c.out, "\nDatabase")
	if doc == nil || !settingsOK {
		c.fail("skipped: fix the problems above first")
		return
	}

	pool, err := store.Open(ctx, settings, doc.Database.ConnectionPool, zap.NewNop())
	if err != nil {
		c.fail("connection failed: %v", err)
		c.note("check the DB_* variables and that PostgreSQL is running")
		return
	}
	defer pool.Close()

	var version string
	if err := pool.QueryRow(ctx, "SELECT version()").Scan(&version); err != nil {
		c.fail("query failed: %v", err)
		return
	}
	c.ok("connected")
	c.note("%s", version)
}
