package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"simulado-service/internal/app"
	"simulado-service/internal/infra/postgres"
)

// NewReconcileCmd lists completed attempts whose answer rows were never stored.
func NewReconcileCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "List completed attempts that have no stored answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Postgres.URL == "" {
				return fmt.Errorf("postgres url not configured")
			}
			pool, err := pgxpool.Connect(cmd.Context(), cfg.Postgres.URL)
			if err != nil {
				return err
			}
			defer pool.Close()

			_, err = reconcile(cmd.Context(), postgres.NewAttemptRepository(pool), cmd.OutOrStdout())
			return err
		},
	}
}

func reconcile(ctx context.Context, attempts app.AttemptRepository, out io.Writer) (int, error) {
	missing, err := attempts.ListMissingAnswers(ctx)
	if err != nil {
		return 0, err
	}
	if len(missing) == 0 {
		log.Info().Msg("no completed attempts are missing answers")
		return 0, nil
	}

	log.Warn().Int("count", len(missing)).Msg("completed attempts without answers")
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ATTEMPT\tUSER\tEXAM\tCOMPLETED AT\tFINAL SCORE")
	for _, a := range missing {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", a.ID, a.UserID, a.ExamID, a.CompletedAt.Format(time.RFC3339), a.FinalScore)
	}
	return len(missing), w.Flush()
}
