package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ASH1998/LumiBox/config"
	"github.com/ASH1998/LumiBox/schema"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the processing document",
	}
	cmd.AddCommand(newConfigInitCommand())
	return cmd
}

func newConfigInitCommand() *cobra.Command {
	var force, typed bool

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the reference processing document",
		Long: `Write the reference processing document to path (default config/database.yaml).
With --typed the tables are declared as typed column lists instead of SQL templates.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.DefaultPath
			if len(args) == 1 {
				path = args[0]
			}

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}

			if err := writeReferenceDocument(path, typed); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	cmd.Flags().BoolVar(&typed, "typed", false, "Declare tables as typed columns")
	return cmd
}

func writeReferenceDocument(path string, typed bool) error {
	if !typed {
		return os.WriteFile(path, config.Default(), 0o644) //nolint:gosec
	}

	doc, err := config.Parse(config.Default(), "reference")
	if err != nil {
		return err
	}
	emails := doc.Database.Tables.Emails.Name
	attachments := doc.Database.Tables.Attachments.Name
	doc.Database.Tables.Emails = config.Table{Name: emails, Columns: schema.Emails(emails).Columns}
	doc.Database.Tables.Attachments = config.Table{Name: attachments, Columns: schema.Attachments(attachments, emails).Columns}

	if err := doc.Validate(); err != nil {
		return err
	}
	return config.Save(path, doc)
}
