package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"vidatlas/internal/job"
)

const jobColumns = "id, fingerprint, subject_id, strategy_version, params_json, status, phase, progress, retries, cacheable, error_kind, error_message, unresolved_json, result_json, created_at, updated_at, started_at, finished_at"

// CreateIfNoActive inserts the job unless another job with the same
// fingerprint is already queued or running. It returns the job that now owns
// the fingerprint slot and whether this call created it. Admission serializes
// callers in-process; the partial unique index turns any remaining race into
// a constraint error handled here.
func (s *Store) CreateIfNoActive(ctx context.Context, j *job.Job) (*job.Job, bool, error) {
	if j == nil {
		return nil, false, errors.New("job is nil")
	}
	ctx = ensureContext(ctx)

	existing, err := s.FindActiveByFingerprint(ctx, j.Fingerprint)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	unresolved, err := marshalUnresolved(j.Unresolved)
	if err != nil {
		return nil, false, err
	}
	params, err := marshalParams(j.Params)
	if err != nil {
		return nil, false, err
	}

	var errorKind, errorMessage any
	if j.Error != nil {
		errorKind = j.Error.Kind
		errorMessage = j.Error.Message
	}

	_, err = s.execWithRetry(
		ctx,
		`INSERT INTO jobs (`+jobColumns+`)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID,
		j.Fingerprint,
		j.SubjectID,
		j.StrategyVersion,
		params,
		j.Status,
		nullableString(j.Phase),
		j.Progress,
		j.Retries,
		boolToInt(j.Cacheable),
		errorKind,
		errorMessage,
		unresolved,
		nullableString(j.ResultJSON),
		j.CreatedAt.Format(time.RFC3339Nano),
		j.UpdatedAt.Format(time.RFC3339Nano),
		nullableTime(j.StartedAt),
		nullableTime(j.FinishedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			winner, findErr := s.FindActiveByFingerprint(ctx, j.Fingerprint)
			if findErr != nil {
				return nil, false, findErr
			}
			if winner != nil {
				return winner, false, nil
			}
		}
		return nil, false, fmt.Errorf("insert job: %w", err)
	}

	return j.Clone(), true, nil
}

// GetByID fetches a job by identifier. Missing jobs return (nil, nil).
func (s *Store) GetByID(ctx context.Context, id string) (*job.Job, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// FindActiveByFingerprint returns the queued or running job holding the
// fingerprint slot, or nil when the slot is free.
func (s *Store) FindActiveByFingerprint(ctx context.Context, fingerprint string) (*job.Job, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE fingerprint = ? AND status IN (?, ?) LIMIT 1`,
		fingerprint,
		job.StatusQueued,
		job.StatusRunning,
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active by fingerprint: %w", err)
	}
	return j, nil
}

// Update persists changes to a live job. Identity columns never change here.
// Writes against settled rows are refused with ErrSettled so a terminal
// status can never be overwritten.
func (s *Store) Update(ctx context.Context, j *job.Job) error {
	if j == nil {
		return errors.New("job is nil")
	}
	ctx = ensureContext(ctx)
	j.UpdatedAt = time.Now().UTC()

	unresolved, err := marshalUnresolved(j.Unresolved)
	if err != nil {
		return err
	}

	var errorKind, errorMessage any
	if j.Error != nil {
		errorKind = j.Error.Kind
		errorMessage = j.Error.Message
	}

	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs
         SET status = ?, phase = ?, progress = ?, retries = ?, cacheable = ?,
             error_kind = ?, error_message = ?, unresolved_json = ?, result_json = ?,
             updated_at = ?, started_at = ?, finished_at = ?
         WHERE id = ? AND status NOT IN (?, ?, ?, ?)`,
		j.Status,
		nullableString(j.Phase),
		j.Progress,
		j.Retries,
		boolToInt(j.Cacheable),
		errorKind,
		errorMessage,
		unresolved,
		nullableString(j.ResultJSON),
		j.UpdatedAt.Format(time.RFC3339Nano),
		nullableTime(j.StartedAt),
		nullableTime(j.FinishedAt),
		j.ID,
		job.StatusDone,
		job.StatusFailed,
		job.StatusCanceled,
		job.StatusPartial,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		existing, getErr := s.GetByID(ctx, j.ID)
		if getErr != nil {
			return getErr
		}
		if existing == nil {
			return fmt.Errorf("job %s not found", j.ID)
		}
		return fmt.Errorf("job %s has status %s: %w", j.ID, existing.Status, ErrSettled)
	}
	return nil
}

// ClaimNextQueued atomically promotes the oldest queued job to running and
// returns it. A single statement keeps claims race-free across the worker
// pool; (nil, nil) means the queue is empty.
func (s *Store) ClaimNextQueued(ctx context.Context) (*job.Job, error) {
	ctx = ensureContext(ctx)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var (
		claimed *job.Job
		scanErr error
	)
	err := retryOnBusy(ctx, func() error {
		row := s.db.QueryRowContext(
			ctx,
			`UPDATE jobs
             SET status = ?, started_at = ?, updated_at = ?
             WHERE id = (
                 SELECT id FROM jobs WHERE status = ? ORDER BY created_at, id LIMIT 1
             )
             RETURNING `+jobColumns,
			job.StatusRunning,
			now,
			now,
			job.StatusQueued,
		)
		claimed, scanErr = scanJob(row)
		return scanErr
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next queued: %w", err)
	}
	return claimed, nil
}

// CancelQueued marks a still-queued job canceled. It returns false when the
// job was already claimed, finished, or does not exist; runners and this
// statement race safely because both mutate status in a single statement.
func (s *Store) CancelQueued(ctx context.Context, id string) (bool, error) {
	ctx = ensureContext(ctx)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs
         SET status = ?, finished_at = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		job.StatusCanceled,
		now,
		now,
		id,
		job.StatusQueued,
	)
	if err != nil {
		return false, fmt.Errorf("cancel queued job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// List returns jobs filtered by status set (or all jobs when no status is
// provided), oldest first.
func (s *Store) List(ctx context.Context, statuses ...job.Status) ([]*job.Job, error) {
	ctx = ensureContext(ctx)
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + jobColumns + ` FROM jobs`
	orderClause := ` ORDER BY created_at, id`

	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		query := baseQuery + ` WHERE status IN (` + placeholders + `)` + orderClause
		rows, err = s.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*job.Job, error) {
	var (
		id              string
		fingerprint     string
		subjectID       string
		strategyVersion string
		paramsRaw       sql.NullString
		statusStr       string
		phase           sql.NullString
		progress        sql.NullFloat64
		retries         sql.NullInt64
		cacheable       sql.NullInt64
		errorKind       sql.NullString
		errorMessage    sql.NullString
		unresolvedRaw   sql.NullString
		resultJSON      sql.NullString
		createdRaw      sql.NullString
		updatedRaw      sql.NullString
		startedRaw      sql.NullString
		finishedRaw     sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&fingerprint,
		&subjectID,
		&strategyVersion,
		&paramsRaw,
		&statusStr,
		&phase,
		&progress,
		&retries,
		&cacheable,
		&errorKind,
		&errorMessage,
		&unresolvedRaw,
		&resultJSON,
		&createdRaw,
		&updatedRaw,
		&startedRaw,
		&finishedRaw,
	); err != nil {
		return nil, err
	}

	j := &job.Job{
		ID:              id,
		Fingerprint:     fingerprint,
		SubjectID:       subjectID,
		StrategyVersion: strategyVersion,
		Status:          job.Status(statusStr),
		Phase:           phase.String,
		Progress:        progress.Float64,
		Retries:         int(retries.Int64),
		ResultJSON:      resultJSON.String,
	}
	if cacheable.Valid {
		j.Cacheable = cacheable.Int64 != 0
	}
	if errorKind.Valid || errorMessage.Valid {
		j.Error = &job.Error{Kind: errorKind.String, Message: errorMessage.String}
	}
	if paramsRaw.Valid && paramsRaw.String != "" {
		if err := json.Unmarshal([]byte(paramsRaw.String), &j.Params); err != nil {
			return nil, fmt.Errorf("parse params: %w", err)
		}
	}
	if unresolvedRaw.Valid && unresolvedRaw.String != "" {
		if err := json.Unmarshal([]byte(unresolvedRaw.String), &j.Unresolved); err != nil {
			return nil, fmt.Errorf("parse unresolved list: %w", err)
		}
	}

	if created, err := parseTimeString(createdRaw.String); err == nil {
		j.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		j.UpdatedAt = updated
	}
	if startedRaw.Valid {
		if started, err := parseTimeString(startedRaw.String); err == nil {
			j.StartedAt = &started
		}
	}
	if finishedRaw.Valid {
		if finished, err := parseTimeString(finishedRaw.String); err == nil {
			j.FinishedAt = &finished
		}
	}
	return j, nil
}

func marshalUnresolved(items []string) (any, error) {
	if len(items) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("marshal unresolved list: %w", err)
	}
	return string(data), nil
}

func marshalParams(params map[string]string) (any, error) {
	if len(params) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return string(data), nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	v := value.UTC().Format(time.RFC3339Nano)
	return v
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
