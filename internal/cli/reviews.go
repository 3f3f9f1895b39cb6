package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/payguard/internal/infra/storage"
	"github.com/vietddude/payguard/internal/infra/storage/postgres"
	"github.com/vietddude/payguard/internal/processing/escalation"
)

var reviewLimit int

var reviewsCmd = &cobra.Command{
	Use:   "reviews",
	Short: "Inspect and resolve the manual review queue",
}

var reviewsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending review items, high priority first",
	Run:   runReviewsList,
}

var reviewsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Mark a review item resolved",
	Args:  cobra.ExactArgs(1),
	Run:   runReviewsResolve,
}

func init() {
	reviewsListCmd.Flags().IntVar(&reviewLimit, "limit", 50, "maximum items to show")
	reviewsCmd.AddCommand(reviewsListCmd, reviewsResolveCmd)
	rootCmd.AddCommand(reviewsCmd)
}

// openReviews connects to the database. The review queue only outlives the process in PostgreSQL.
func openReviews(ctx context.Context) (*escalation.Escalator, func()) {
	cfg := loadConfig()
	if cfg.Database.URL == "" {
		slog.Error("database.url is not set; the review queue is only persisted in PostgreSQL")
		os.Exit(1)
	}

	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	return escalation.NewEscalator(postgres.NewReviewRepo(db), nil), func() { _ = db.Close() }
}

func runReviewsList(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	esc, closeDB := openReviews(ctx)
	defer closeDB()

	items, err := esc.ListPending(ctx, reviewLimit)
	if err != nil {
		slog.Error("Failed to list reviews", "error", err)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ID\tPRIORITY\tKIND\tEVENT\tCREATED")
	for _, item := range items {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			item.ID,
			item.Priority,
			item.ErrorKind,
			item.EventID,
			item.CreatedAt.Format(time.RFC3339),
		)
	}
	_ = w.Flush()
}

func runReviewsResolve(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	esc, closeDB := openReviews(ctx)
	defer closeDB()

	item, err := esc.Resolve(ctx, args[0])
	if errors.Is(err, storage.ErrNotFound) {
		slog.Error("Review item not found", "id", args[0])
		return
	}
	if err != nil {
		slog.Error("Failed to resolve review", "id", args[0], "error", err)
		return
	}
	slog.Info("Review resolved", "id", item.ID, "kind", item.ErrorKind)
}
