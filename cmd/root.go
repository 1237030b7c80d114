// Package cmd holds the lumibox command tree.
package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ASH1998/LumiBox/config"
	"github.com/ASH1998/LumiBox/logging"
)

// Version is set at build time with -ldflags "-X github.com/ASH1998/LumiBox/cmd.Version=...".
var Version = "dev"

// NewRootCommand builds the lumibox CLI.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "lumibox",
		Short:         "Ingest Gmail mbox exports into PostgreSQL",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	config.RegisterCommonFlags(root)

	root.AddCommand(
		newIngestCommand(),
		newSchemaCommand(),
		newCheckCommand(),
		newConfigCommand(),
		newMboxStatsCommand(),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the lumibox version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "lumibox", Version)
		},
	}
}

// commonFlags are the persistent flags every command reads.
type commonFlags struct {
	configPath string
	envFile    string
	logLevel   string
}

func loadCommonFlags(cmd *cobra.Command) (commonFlags, error) {
	var (
		f   commonFlags
		err error
	)
	flags := cmd.Flags()
	if f.configPath, err = flags.GetString("config"); err != nil {
		return f, err
	}
	if f.envFile, err = flags.GetString("env-file"); err != nil {
		return f, err
	}
	if f.logLevel, err = flags.GetString("log-level"); err != nil {
		return f, err
	}
	return f, nil
}

// loadDocument loads the dotenv file, then the processing document, so ${VAR}
// references in the document can use variables from the dotenv file.
func loadDocument(f commonFlags) (*config.Document, error) {
	if _, err := config.LoadDotEnv(f.envFile); err != nil {
		return nil, err
	}
	return config.Load(f.configPath)
}

func newLogger(doc *config.Document, level, dir string, out io.Writer) (*zap.Logger, func() error, error) {
	return logging.New(logging.Options{
		Format:     doc.Logging.Format,
		DateFormat: doc.Logging.DateFormat,
		Level:      config.ResolveLogLevel(level),
		Dir:        dir,
		Output:     zapcore.Lock(zapcore.AddSync(out)),
	})
}
