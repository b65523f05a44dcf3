package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nimbusinfra/nimbus/pkg/engine"
)

// PendingPlan is a customize-mode plan parked while the user answers its
// questions. Unlike entries, pending plans are working state: they are
// deleted once the plan runs or is abandoned.
type PendingPlan struct {
	Plan      *engine.CreationPlan
	SessionID string
	Strict    bool
	Answers   map[string]string
	CreatedAt time.Time
}

// SavePendingPlan upserts a parked plan with the answers collected so far.
func (l *Ledger) SavePendingPlan(ctx context.Context, p *PendingPlan) error {
	lock := l.sessionLock(p.SessionID)
	lock.Lock()
	defer lock.Unlock()

	planJSON, err := json.Marshal(p.Plan)
	if err != nil {
		return fmt.Errorf("failed to encode pending plan: %w", err)
	}
	answers := p.Answers
	if answers == nil {
		answers = map[string]string{}
	}
	answersJSON, err := json.Marshal(answers)
	if err != nil {
		return fmt.Errorf("failed to encode pending answers: %w", err)
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO pending_plans (plan_id, session_id, strict, plan_json, answers_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(plan_id) DO UPDATE SET answers_json = excluded.answers_json
	`
	_, err = l.db.ExecContext(ctx, query,
		p.Plan.ID, p.SessionID, p.Strict, string(planJSON), string(answersJSON), createdAt)
	if err != nil {
		return fmt.Errorf("failed to save pending plan: %w", err)
	}
	return nil
}

// LoadPendingPlan returns a parked plan by its ID.
func (l *Ledger) LoadPendingPlan(ctx context.Context, planID string) (*PendingPlan, error) {
	query := `
		SELECT session_id, strict, plan_json, answers_json, created_at
		FROM pending_plans
		WHERE plan_id = ?
	`
	var (
		p           PendingPlan
		planJSON    string
		answersJSON string
	)
	err := l.db.QueryRowContext(ctx, query, planID).Scan(
		&p.SessionID, &p.Strict, &planJSON, &answersJSON, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("no pending plan %q", planID), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pending plan: %w", err)
	}
	if err := json.Unmarshal([]byte(planJSON), &p.Plan); err != nil {
		return nil, fmt.Errorf("failed to decode pending plan: %w", err)
	}
	if err := json.Unmarshal([]byte(answersJSON), &p.Answers); err != nil {
		return nil, fmt.Errorf("failed to decode pending answers: %w", err)
	}
	return &p, nil
}

// DeletePendingPlan removes a parked plan. Missing plans are not an error.
func (l *Ledger) DeletePendingPlan(ctx context.Context, planID string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM pending_plans WHERE plan_id = ?`, planID)
	if err != nil {
		return fmt.Errorf("failed to delete pending plan: %w", err)
	}
	return nil
}
