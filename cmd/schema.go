package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ASH1998/LumiBox/config"
	"github.com/ASH1998/LumiBox/store"
)

func newSchemaCommand() *cobra.Command {
	var (
		namespace string
		apply     bool
	)

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print, or apply, the CREATE statements for a namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags, err := loadCommonFlags(cmd)
			if err != nil {
				return err
			}
			doc, err := loadDocument(flags)
			if err != nil {
				return err
			}
			if namespace == "" {
				namespace = config.NamespaceFromEnv()
			}

			statements, err := store.SchemaStatements(doc, namespace)
			if err != nil {
				return err
			}

			if !apply {
				out := cmd.OutOrStdout()
				for _, stmt := range statements {
					stmt = strings.TrimSpace(stmt)
					if !strings.HasSuffix(stmt, ";") {
						stmt += ";"
					}
					fmt.Fprintln(out, stmt)
					fmt.Fprintln(out)
				}
				return nil
			}

			logger, cleanup, err := newLogger(doc, flags.logLevel, "", cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = cleanup() }()

			settings, err := config.DatabaseFromEnv()
			if err != nil {
				return err
			}
			pool, err := store.Open(cmd.Context(), settings, doc.Database.ConnectionPool, logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			st, err := store.New(pool, doc, namespace, logger)
			if err != nil {
				return err
			}
			return st.Migrate(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&namespace, "namespace", "", "Target PostgreSQL schema (default DB_SCHEMA or public)")
	cmd.Flags().BoolVar(&apply, "apply", false, "Run the statements against the database")
	return cmd
}
