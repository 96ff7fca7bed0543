package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"triggerd/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, sc, log, err := loadStorageConfig()
		if err != nil {
			return err
		}
		// Open runs the migrations.
		store, err := storage.Open(cmd.Context(), sc, log)
		if err != nil {
			return err
		}
		defer store.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", store.Driver())
		return nil
	},
}
