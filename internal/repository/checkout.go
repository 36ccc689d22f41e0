package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/classbook/backend/internal/domain"
	"github.com/classbook/backend/pkg/crypto"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CheckoutRepository stores pending checkouts in postgres. Payloads are sealed
// to the owning chat so a row moved to another chat will not open.
type CheckoutRepository struct {
	db     *pgxpool.Pool
	sealer *crypto.Sealer
}

// NewCheckoutRepository creates a new CheckoutRepository.
func NewCheckoutRepository(db *pgxpool.Pool, sealer *crypto.Sealer) *CheckoutRepository {
	return &CheckoutRepository{db: db, sealer: sealer}
}

// Get returns the pending checkout for chatID, or nil when there is none.
// A record that fails to open is treated as absent and removed.
func (r *CheckoutRepository) Get(ctx context.Context, chatID string) (*domain.PendingCheckout, error) {
	query := `SELECT payload FROM pending_checkouts WHERE namespace = $1 AND chat_id = $2`
	var payload string
	err := r.db.QueryRow(ctx, query, domain.PendingCheckoutNamespace, chatID).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load pending checkout: %w", err)
	}

	pc, err := r.open(payload, chatID)
	if err != nil {
		if clearErr := r.Clear(ctx, chatID); clearErr != nil {
			return nil, clearErr
		}
		return nil, nil
	}
	return pc, nil
}

func (r *CheckoutRepository) open(payload, chatID string) (*domain.PendingCheckout, error) {
	raw, err := r.sealer.Open(payload, chatID)
	if err != nil {
		return nil, err
	}
	var pc domain.PendingCheckout
	if err := json.Unmarshal(raw, &pc); err != nil {
		return nil, fmt.Errorf("failed to decode pending checkout: %w", err)
	}
	return &pc, nil
}

// Save replaces the pending checkout of pc.ChatID.
func (r *CheckoutRepository) Save(ctx context.Context, pc *domain.PendingCheckout) error {
	raw, err := json.Marshal(pc)
	if err != nil {
		return fmt.Errorf("failed to encode pending checkout: %w", err)
	}
	payload, err := r.sealer.Seal(raw, pc.ChatID)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO pending_checkouts (namespace, chat_id, payload, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (namespace, chat_id) DO UPDATE
		SET payload = EXCLUDED.payload, created_at = EXCLUDED.created_at
	`
	if _, err := r.db.Exec(ctx, query, domain.PendingCheckoutNamespace, pc.ChatID, payload, pc.CreatedAt); err != nil {
		return fmt.Errorf("failed to save pending checkout: %w", err)
	}
	return nil
}

// Clear removes the pending checkout of chatID.
func (r *CheckoutRepository) Clear(ctx context.Context, chatID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM pending_checkouts WHERE namespace = $1 AND chat_id = $2`,
		domain.PendingCheckoutNamespace, chatID)
	if err != nil {
		return fmt.Errorf("failed to clear pending checkout: %w", err)
	}
	return nil
}

// PurgeOlderThan deletes records created before cutoff and reports how many went.
func (r *CheckoutRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM pending_checkouts WHERE namespace = $1 AND created_at < $2`,
		domain.PendingCheckoutNamespace, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge pending checkouts: %w", err)
	}
	return tag.RowsAffected(), nil
}
