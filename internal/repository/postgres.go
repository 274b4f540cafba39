package repository

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/classifieds/realtime/internal/domain"
)

// PostgreSQL error codes
const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

//go:embed schema.sql
var schema string

// PostgresRepository implements the domain repositories using PostgreSQL
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates missing tables and indexes. Every statement is idempotent.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, schema)
	return err
}

// Ping checks the database is reachable
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// GetUserByID retrieves a user by ID
func (r *PostgresRepository) GetUserByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	query := `SELECT id, name, surname FROM users WHERE id = $1`

	var user domain.User
	err := r.db.QueryRow(ctx, query, id).Scan(&user.ID, &user.Name, &user.Surname)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// GetListingOwner returns the user who published a listing
func (r *PostgresRepository) GetListingOwner(ctx context.Context, listingID uuid.UUID) (uuid.UUID, error) {
	query := `SELECT user_id FROM listings WHERE id = $1`

	var ownerID uuid.UUID
	err := r.db.QueryRow(ctx, query, listingID).Scan(&ownerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, domain.ErrListingNotFound
		}
		return uuid.Nil, err
	}
	return ownerID, nil
}

// CleanupReadNotifications deletes read notifications older than retention
func (r *PostgresRepository) CleanupReadNotifications(ctx context.Context, retention time.Duration) (int64, error) {
	query := `DELETE FROM notifications WHERE is_read = TRUE AND created_at < $1`
	tag, err := r.db.Exec(ctx, query, time.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// StartCleanupWorker periodically prunes old read notifications until ctx is done
func (r *PostgresRepository) StartCleanupWorker(ctx context.Context, interval, retention time.Duration, logger *zap.Logger) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := r.CleanupReadNotifications(ctx, retention)
				if err != nil {
					logger.Warn("failed to clean up notifications", zap.Error(err))
					continue
				}
				if n > 0 {
					logger.Info("cleaned up read notifications", zap.Int64("deleted", n))
				}
			}
		}
	}()
}
