// Command migrate applies or rolls back the embedded schema and can seed sample data.
//
//	go run ./cmd/migrate up
//	go run ./cmd/migrate down
//	go run ./cmd/migrate seed
//	go run ./cmd/migrate version
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"ms-membership/internal/config"
	"ms-membership/internal/database/migrations"
	"ms-membership/internal/logger"
	"ms-membership/internal/models"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: migrate up|down|seed|version")
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.New(os.Stdout)

	sqldb, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to open PostgreSQL: %v", err))
	}
	ctx := context.Background()
	if err := sqldb.PingContext(ctx); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to connect to database: %v", err))
	}
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	runner := migrations.NewRunner(db, log)
	defer runner.Close()

	switch flag.Arg(0) {
	case "up":
		err = runner.MigrateUp()
	case "down":
		err = runner.MigrateDown()
	case "seed":
		if err = runner.MigrateUp(); err == nil {
			err = seed(ctx, db, time.Now().UTC())
		}
	case "version":
		var version uint
		var dirty bool
		if version, dirty, err = runner.Version(); err == nil {
			log.Info("MIGRATE", fmt.Sprintf("Schema version %d (dirty: %v)", version, dirty))
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal("MIGRATE", err.Error())
	}
	log.Info("MIGRATE", fmt.Sprintf("%s done", flag.Arg(0)))
}

func seed(ctx context.Context, db *bun.DB, now time.Time) error {
	users := []models.User{
		{UserID: "seed-alice", FirstName: "Alice", LastName: "Hansen", Email: "alice@example.com", Study: "dataing", StudyYear: "3", UpdatedAt: now},
		{UserID: "seed-bob", FirstName: "Bob", LastName: "Berg", Email: "bob@example.com", Study: "komtek", StudyYear: "1", UpdatedAt: now},
	}
	if _, err := db.NewInsert().Model(&users).On("CONFLICT (user_id) DO NOTHING").Exec(ctx); err != nil {
		return fmt.Errorf("seed users: %w", err)
	}

	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		free := &models.Event{
			Title:               "Intro to Go",
			Location:            "Auditorium 1",
			StartDate:           now.AddDate(0, 0, 14),
			EndDate:             now.AddDate(0, 0, 14).Add(2 * time.Hour),
			Limit:               2,
			SignUp:              true,
			StartRegistrationAt: now,
			EndRegistrationAt:   now.AddDate(0, 0, 13),
			SignOffDeadline:     now.AddDate(0, 0, 12),
			PayTimeSeconds:      int64((24 * time.Hour) / time.Second),
			CreatedAt:           now,
		}
		paid := *free
		paid.Title = "Company dinner"
		paid.Limit = 40
		paid.Price = 150
		paid.PayTimeSeconds = int64((30 * time.Minute) / time.Second)

		for _, e := range []*models.Event{free, &paid} {
			if _, err := tx.NewInsert().Model(e).Exec(ctx); err != nil {
				return fmt.Errorf("seed event %q: %w", e.Title, err)
			}
		}
		rule := &models.PriorityRule{EventID: paid.EventID, Study: "dataing", StudyYear: "3"}
		if _, err := tx.NewInsert().Model(rule).Exec(ctx); err != nil {
			return fmt.Errorf("seed priority rule: %w", err)
		}
		return nil
	})
}
