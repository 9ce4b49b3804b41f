package cockroach

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"telecare-backend/internal/domain"
)

// SessionRepository handles session record persistence
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// Create stores a new session window
func (r *SessionRepository) Create(ctx context.Context, window *domain.SessionWindow) error {
	query := `
		INSERT INTO sessions (
			session_id, start_ms, end_ms, case_id, role, join_link, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		window.SessionID,
		window.StartMs,
		window.EndMs,
		window.CaseID,
		window.Role,
		window.JoinLink,
		window.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// GetByID retrieves a session window by identifier. Unknown identifiers
// return (nil, nil); the caller decides whether absence is an error.
func (r *SessionRepository) GetByID(ctx context.Context, sessionID string) (*domain.SessionWindow, error) {
	query := `
		SELECT session_id, start_ms, end_ms, case_id, role, join_link, created_at
		FROM sessions
		WHERE session_id = $1
	`

	window := &domain.SessionWindow{}
	err := r.pool.QueryRow(ctx, query, sessionID).Scan(
		&window.SessionID,
		&window.StartMs,
		&window.EndMs,
		&window.CaseID,
		&window.Role,
		&window.JoinLink,
		&window.CreatedAt,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return window, nil
}

// GetByCase retrieves all session windows linked to a case
func (r *SessionRepository) GetByCase(ctx context.Context, caseID int64) ([]*domain.SessionWindow, error) {
	query := `
		SELECT session_id, start_ms, end_ms, case_id, role, join_link, created_at
		FROM sessions
		WHERE case_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.pool.Query(ctx, query, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to get sessions for case: %w", err)
	}
	defer rows.Close()

	var windows []*domain.SessionWindow
	for rows.Next() {
		window := &domain.SessionWindow{}
		err := rows.Scan(
			&window.SessionID,
			&window.StartMs,
			&window.EndMs,
			&window.CaseID,
			&window.Role,
			&window.JoinLink,
			&window.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		windows = append(windows, window)
	}

	return windows, nil
}

// CreateNoShowReport records that the counterpart never joined
func (r *SessionRepository) CreateNoShowReport(ctx context.Context, report *domain.NoShowReport) error {
	query := `
		INSERT INTO no_show_reports (session_id, reporter_uid, reported_at)
		VALUES ($1, $2, $3)
	`

	_, err := r.pool.Exec(ctx, query,
		report.SessionID,
		report.ReporterUID,
		report.ReportedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create no-show report: %w", err)
	}

	return nil
}
