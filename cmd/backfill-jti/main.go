// Command backfill-jti fills the jti column of refresh token rows written
// before token identifiers were tracked, so the revocation check can find them.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/noah-isme/parish-admin-api/internal/models"
	"github.com/noah-isme/parish-admin-api/internal/repository"
	"github.com/noah-isme/parish-admin-api/pkg/config"
	"github.com/noah-isme/parish-admin-api/pkg/credential"
	"github.com/noah-isme/parish-admin-api/pkg/database"
	"github.com/noah-isme/parish-admin-api/pkg/logger"
)

type tokenStore interface {
	ListMissingJTI(ctx context.Context, limit int) ([]models.RefreshToken, error)
	SetJTI(ctx context.Context, id, jti string) error
}

type tokenDecoder interface {
	Decode(token string) (*credential.Claims, error)
}

type backfiller struct {
	store   tokenStore
	decoder tokenDecoder
	batch   int
	dryRun  bool
	logger  *zap.Logger
}

type backfillStats struct {
	Updated int
	Skipped int
}

// run walks the legacy rows batch by batch. Rows that cannot be decoded stay
// NULL and are remembered so later batches look past them.
func (b *backfiller) run(ctx context.Context) (backfillStats, error) {
	var stats backfillStats
	seen := make(map[string]struct{})

	for {
		limit := b.batch + len(seen)
		rows, err := b.store.ListMissingJTI(ctx, limit)
		if err != nil {
			return stats, err
		}

		progressed := false
		for _, row := range rows {
			if _, ok := seen[row.ID]; ok {
				continue
			}
			progressed = true

			claims, err := b.decoder.Decode(row.Token)
			switch {
			case err != nil:
				seen[row.ID] = struct{}{}
				stats.Skipped++
				b.logger.Warn("cannot decode refresh token", zap.String("id", row.ID), zap.Error(err))
				continue
			case claims.PrincipalID() != row.UserID:
				seen[row.ID] = struct{}{}
				stats.Skipped++
				b.logger.Warn("refresh token subject does not match owner", zap.String("id", row.ID))
				continue
			}

			if b.dryRun {
				seen[row.ID] = struct{}{}
				stats.Updated++
				continue
			}
			if err := b.store.SetJTI(ctx, row.ID, claims.ID); err != nil {
				return stats, err
			}
			stats.Updated++
		}

		if !progressed || len(rows) < limit {
			return stats, nil
		}
	}
}

func main() {
	batch := flag.Int("batch", 500, "rows per batch")
	dryRun := flag.Bool("dry-run", false, "decode rows without writing")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect database", zap.Error(err))
	}
	defer db.Close()

	codec, err := credential.NewCodec(credential.Config{
		Secret:   cfg.JWT.Secret,
		Issuer:   cfg.JWT.Issuer,
		Audience: cfg.JWT.Audience,
	})
	if err != nil {
		logr.Fatal("failed to build codec", zap.Error(err))
	}

	b := &backfiller{
		store:   repository.NewRefreshTokenRepository(db),
		decoder: codec,
		batch:   *batch,
		dryRun:  *dryRun,
		logger:  logr,
	}
	stats, err := b.run(ctx)
	if err != nil {
		logr.Fatal("backfill failed", zap.Error(err), zap.Int("updated", stats.Updated))
	}
	logr.Info("backfill complete", zap.Int("updated", stats.Updated), zap.Int("skipped", stats.Skipped), zap.Bool("dry_run", *dryRun))
}
