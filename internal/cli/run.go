package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"majordomo.app/conductor/core/config"
	"majordomo.app/conductor/core/db"
	"majordomo.app/conductor/internal/http/dto"
	"majordomo.app/conductor/internal/model"
	"majordomo.app/conductor/internal/run"
)

// NewRunCommand creates the run command group
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Inspect run state and transition history",
	}

	cmd.AddCommand(newRunGetCommand(), newRunListCommand())
	return cmd
}

func newRunGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show one run with its transition audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, closeDB, err := openRunStore(ctx)
			if err != nil {
				return err
			}
			defer closeDB()

			r, err := store.Get(ctx, args[0])
			if err != nil {
				return err
			}
			transitions, err := store.Transitions(ctx, args[0])
			if err != nil {
				return err
			}

			detail := dto.RunDetail{Run: dto.FromRun(r)}
			for _, t := range transitions {
				detail.Transitions = append(detail.Transitions, dto.FromTransition(t))
			}
			return printJSON(cmd, detail)
		},
	}
}

func newRunListCommand() *cobra.Command {
	var status string
	var limit int32

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			filter := run.ListFilter{Limit: limit}
			if status != "" {
				s := model.RunStatus(status)
				if !s.IsValid() {
					return fmt.Errorf("unknown status %q", status)
				}
				filter.Status = s
			}

			store, closeDB, err := openRunStore(ctx)
			if err != nil {
				return err
			}
			defer closeDB()

			runs, err := store.List(ctx, filter)
			if err != nil {
				return err
			}

			out := dto.RunList{Runs: make([]dto.Run, 0, len(runs))}
			for i := range runs {
				out.Runs = append(out.Runs, dto.FromRun(&runs[i]))
			}
			return printJSON(cmd, out)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by run status")
	cmd.Flags().Int32Var(&limit, "limit", 0, "Maximum runs to return")

	return cmd
}

func openRunStore(ctx context.Context) (run.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to run store: %w", err)
	}

	return run.NewPostgresStore(database), database.Close, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
