package cmd

import (
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/rtmpush/internal/database"
	"github.com/jmylchreest/rtmpush/internal/store"
)

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Inspect the session store",
	Long: `Inspect the durable session store without starting the relay.
Reads the same configuration as serve.`,
}

var storeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store backend, schema migrations and pool statistics",
	RunE:  runStoreStatus,
}

var storeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List session records",
	RunE:  runStoreList,
}

func init() {
	rootCmd.AddCommand(storeCmd)
	storeCmd.AddCommand(storeStatusCmd, storeListCmd)
}

func runStoreStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "driver: %s\n", cfg.Store.Driver)
	if cfg.Store.Driver == "" || cfg.Store.Driver == "file" {
		fmt.Fprintf(out, "path:   %s\n", cfg.Storage.SessionsPath())
		return nil
	}

	db, err := database.New(store.DatabaseConfig(cfg), slog.Default(), nil)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("pinging store: %w", err)
	}

	statuses, err := db.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("reading migrations: %w", err)
	}
	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tAPPLIED\tDESCRIPTION")
	for _, st := range statuses {
		applied := "pending"
		if st.AppliedAt != nil {
			applied = st.AppliedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", st.Version, applied, st.Description)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	stats, err := db.Stats()
	if err != nil {
		return fmt.Errorf("reading pool stats: %w", err)
	}
	data, err := yaml.Marshal(map[string]any{"pool": stats})
	if err != nil {
		return fmt.Errorf("encoding pool stats: %w", err)
	}
	fmt.Fprintln(out)
	fmt.Fprint(out, string(data))
	return nil
}

func runStoreList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	st, err := store.Open(ctx, cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	recs, err := st.List(ctx)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tDESTINATIONS\tUPDATED\tERROR")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ID, r.Name, r.Status, len(r.EnabledDestinations()),
			r.UpdatedAt.Format(time.RFC3339), r.ErrorMessage)
	}
	return tw.Flush()
}
