package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"courseops/internal/types"
)

// ParticipationRepository provides data access for the participations table.
type ParticipationRepository struct {
	db DBTX
}

// NewParticipationRepository creates a new ParticipationRepository backed by
// the given database connection (pool or transaction).
func NewParticipationRepository(db DBTX) *ParticipationRepository {
	return &ParticipationRepository{db: db}
}

const participationColumns = `p.id, p.exercise_id, p.student_login,
	p.repository_url, p.individual_due_date, p.locked`

func scanParticipation(row pgx.Row) (*types.Participation, error) {
	var p types.Participation
	err := row.Scan(
		&p.ID,
		&p.ExerciseID,
		&p.StudentLogin,
		&p.RepositoryURL,
		&p.IndividualDueDate,
		&p.Locked,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// FindParticipation retrieves a participation by its ID. Returns (nil, nil)
// when it does not exist.
func (r *ParticipationRepository) FindParticipation(ctx context.Context, id int64) (*types.Participation, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+participationColumns+`
		 FROM participations p
		 WHERE p.id = $1`,
		id,
	)

	p, err := scanParticipation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve participation", err)
	}
	return p, nil
}

// FindParticipations returns all participations of the exercise. Bulk
// operations call this at execution time so they act on the authoritative
// current set, never on a snapshot taken when the batch was scheduled.
func (r *ParticipationRepository) FindParticipations(ctx context.Context, exerciseID int64) ([]*types.Participation, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+participationColumns+`
		 FROM participations p
		 WHERE p.exercise_id = $1
		 ORDER BY p.id`,
		exerciseID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list participations", err)
	}
	defer rows.Close()

	return collectParticipations(rows)
}

// FindWithIndividualDueDates returns the participations of the exercise that
// carry an individual due date override.
func (r *ParticipationRepository) FindWithIndividualDueDates(ctx context.Context, exerciseID int64) ([]*types.Participation, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+participationColumns+`
		 FROM participations p
		 WHERE p.exercise_id = $1 AND p.individual_due_date IS NOT NULL
		 ORDER BY p.id`,
		exerciseID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list participations with individual due dates", err)
	}
	defer rows.Close()

	return collectParticipations(rows)
}

func collectParticipations(rows pgx.Rows) ([]*types.Participation, error) {
	var out []*types.Participation
	for rows.Next() {
		p, err := scanParticipation(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan participation row", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate participation rows", err)
	}
	return out, nil
}

// LatestIndividualDueDate returns the furthest individual due date among the
// exercise's participations, or nil when none is set.
func (r *ParticipationRepository) LatestIndividualDueDate(ctx context.Context, exerciseID int64) (*time.Time, error) {
	var latest *time.Time
	err := r.db.QueryRow(ctx,
		`SELECT MAX(individual_due_date)
		 FROM participations
		 WHERE exercise_id = $1`,
		exerciseID,
	).Scan(&latest)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to compute latest individual due date", err)
	}
	return latest, nil
}

// SetLocked marks the participation record read-only or writable again.
// Returns a not-found error when the participation no longer exists, so the
// caller can distinguish a vanished row from a database failure.
func (r *ParticipationRepository) SetLocked(ctx context.Context, participationID int64, locked bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE participations
		 SET locked = $1
		 WHERE id = $2`,
		locked,
		participationID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update participation lock state", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundParticipation,
			fmt.Sprintf("participation %d not found", participationID), nil)
	}
	return nil
}
