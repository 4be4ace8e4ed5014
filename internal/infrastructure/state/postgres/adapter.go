package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/kvet/queuert/internal/domain/entity"
	"github.com/kvet/queuert/internal/domain/repository"
	"github.com/kvet/queuert/internal/domain/valueobject"
)

// Adapter is a repository.StateAdapter backed by PostgreSQL.
type Adapter struct {
	db *sql.DB
}

// New wraps an already-open *sql.DB (see Open for a connector with its own
// retry/backoff behavior).
func New(db *sql.DB) *Adapter {
	return &Adapter{db: db}
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type txKey struct{}

func (a *Adapter) querier(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return a.db
}

// RunInTransaction opens a transaction and carries it on ctx for the
// duration of fn, the way the engine's StateAdapter contract requires:
// every call a caller makes with the ctx passed to fn participates in the
// same transaction.
func (a *Adapter) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queuert/state/postgres: begin: %w", err)
	}

	txCtx := context.WithValue(ctx, txKey{}, tx)
	if err := fn(txCtx); err != nil {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rerr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("queuert/state/postgres: commit: %w", err)
	}
	return nil
}

const jobColumns = `id, type_name, chain_id, chain_type_name, root_chain_id, origin_id, input, output, status,
	created_at, scheduled_at, completed_at, completed_by, attempt, last_attempt_at, last_attempt_error,
	leased_by, leased_until, deduplication_key`

func scanJob(row interface{ Scan(...any) error }) (*entity.Job, error) {
	var job entity.Job
	var statusStr string
	var output []byte
	var input []byte

	err := row.Scan(
		&job.ID, &job.TypeName, &job.ChainID, &job.ChainTypeName, &job.RootChainID, &job.OriginID,
		&input, &output, &statusStr,
		&job.CreatedAt, &job.ScheduledAt, &job.CompletedAt, &job.CompletedBy,
		&job.Attempt, &job.LastAttemptAt, &job.LastAttemptError,
		&job.LeasedBy, &job.LeasedUntil, &job.DeduplicationKey,
	)
	if err != nil {
		return nil, err
	}

	job.Input = json.RawMessage(input)
	if output != nil {
		job.Output = json.RawMessage(output)
	}
	job.Status, err = valueobject.ParseJobStatus(statusStr)
	if err != nil {
		return nil, fmt.Errorf("queuert/state/postgres: %w", err)
	}
	return &job, nil
}

func (a *Adapter) CreateJob(ctx context.Context, input repository.CreateJobInput) (*entity.Job, bool, error) {
	q := a.querier(ctx)

	if input.OriginID != nil {
		row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM job WHERE chain_id = $1 AND origin_id = $2`, input.ChainID, *input.OriginID)
		if existing, err := scanJob(row); err == nil {
			return existing, true, nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("queuert/state/postgres: continuation dedup lookup: %w", err)
		}
	}

	if input.Dedup != nil {
		query := `SELECT ` + jobColumns + ` FROM job
			WHERE deduplication_key = $1 AND chain_id = id`
		args := []any{input.Dedup.Key}
		if input.Dedup.Scope == valueobject.DedupScopeCompleted {
			query += ` AND (SELECT lj.status FROM job lj WHERE lj.chain_id = job.chain_id ORDER BY lj.created_at DESC, lj.id DESC LIMIT 1) != 'completed'`
		}
		if input.Dedup.WindowMs != nil {
			query += fmt.Sprintf(` AND created_at >= now() - interval '%d milliseconds'`, *input.Dedup.WindowMs)
		}
		query += ` ORDER BY created_at ASC LIMIT 1`

		row := q.QueryRowContext(ctx, query, args...)
		if existing, err := scanJob(row); err == nil {
			return existing, true, nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("queuert/state/postgres: key dedup lookup: %w", err)
		}
	}

	now := time.Now().UTC()
	scheduledAt := input.Schedule.Resolve(now)
	var dedupKey *string
	if input.Dedup != nil {
		dedupKey = &input.Dedup.Key
	}

	// ON CONFLICT DO NOTHING rather than catching a unique-violation error:
	// a violation caught after the fact would abort the rest of this
	// transaction, and CreateJob always runs inside one (StartJobChain's
	// RunInTransaction scope). Losing the continuation-dedup race just
	// means zero rows affected here, which we detect below and turn into
	// a read of the winner instead of a second statement on a dead tx.
	res, err := q.ExecContext(ctx, `
		INSERT INTO job (id, type_name, chain_id, chain_type_name, root_chain_id, origin_id, input, status, created_at, scheduled_at, attempt, deduplication_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8, $9, 0, $10)
		ON CONFLICT (chain_id, origin_id) WHERE origin_id IS NOT NULL DO NOTHING
	`, input.ID, input.TypeName, input.ChainID, input.ChainTypeName, input.RootChainID, input.OriginID, []byte(input.Input), now, scheduledAt, dedupKey)
	if err != nil {
		return nil, false, fmt.Errorf("queuert/state/postgres: insert job: %w", err)
	}

	if n, rerr := res.RowsAffected(); rerr == nil && n == 0 && input.OriginID != nil {
		row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM job WHERE chain_id = $1 AND origin_id = $2`, input.ChainID, *input.OriginID)
		existing, err := scanJob(row)
		if err != nil {
			return nil, false, fmt.Errorf("queuert/state/postgres: read continuation race winner: %w", err)
		}
		return existing, true, nil
	}

	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM job WHERE id = $1`, input.ID)
	job, err := scanJob(row)
	if err != nil {
		return nil, false, fmt.Errorf("queuert/state/postgres: read inserted job: %w", err)
	}
	return job, false, nil
}

func (a *Adapter) GetJobByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	row := a.querier(ctx).QueryRowContext(ctx, `SELECT `+jobColumns+` FROM job WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queuert/state/postgres: get job: %w", err)
	}
	return job, nil
}

func (a *Adapter) GetJobForUpdate(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	row := a.querier(ctx).QueryRowContext(ctx, `SELECT `+jobColumns+` FROM job WHERE id = $1 FOR UPDATE`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queuert/state/postgres: get job for update: %w", err)
	}
	return job, nil
}

func (a *Adapter) GetCurrentJobForUpdate(ctx context.Context, chainID uuid.UUID) (*entity.Job, error) {
	row := a.querier(ctx).QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM job
		WHERE chain_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
		FOR UPDATE
	`, chainID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queuert/state/postgres: get current job for update: %w", err)
	}
	return job, nil
}

func (a *Adapter) lastJob(ctx context.Context, chainID uuid.UUID) (*entity.Job, error) {
	row := a.querier(ctx).QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM job WHERE chain_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1
	`, chainID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrJobNotFound
	}
	return job, err
}

func (a *Adapter) GetJobChainByID(ctx context.Context, jobID uuid.UUID) (*entity.JobChain, error) {
	job, err := a.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	root, err := a.GetJobByID(ctx, job.ChainID)
	if err != nil {
		return nil, err
	}
	last, err := a.lastJob(ctx, job.ChainID)
	if err != nil {
		return nil, err
	}
	return &entity.JobChain{Root: root, Last: last}, nil
}

func (a *Adapter) GetNextJobAvailableInMs(ctx context.Context, typeNames []string) (*int64, error) {
	row := a.querier(ctx).QueryRowContext(ctx, `
		SELECT GREATEST(0, EXTRACT(EPOCH FROM (MIN(scheduled_at) - now())) * 1000)::bigint
		FROM job
		WHERE status = 'pending' AND type_name = ANY($1)
	`, pq.Array(typeNames))

	var ms sql.NullInt64
	if err := row.Scan(&ms); err != nil {
		return nil, fmt.Errorf("queuert/state/postgres: next available: %w", err)
	}
	if !ms.Valid {
		return nil, nil
	}
	v := ms.Int64
	return &v, nil
}

func (a *Adapter) AcquireJob(ctx context.Context, typeNames []string) (*entity.Job, bool, error) {
	q := a.querier(ctx)

	row := q.QueryRowContext(ctx, `
		UPDATE job
		SET status = 'running', attempt = attempt + 1, last_attempt_at = now()
		WHERE id = (
			SELECT id FROM job
			WHERE status = 'pending' AND type_name = ANY($1) AND scheduled_at <= now()
			ORDER BY scheduled_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, pq.Array(typeNames))

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("queuert/state/postgres: acquire: %w", err)
	}

	var hasMore bool
	countRow := q.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM job
			WHERE status = 'pending' AND type_name = ANY($1) AND scheduled_at <= now() AND id != $2
		)
	`, pq.Array(typeNames), job.ID)
	if err := countRow.Scan(&hasMore); err != nil {
		return job, false, fmt.Errorf("queuert/state/postgres: acquire hasMore check: %w", err)
	}

	return job, hasMore, nil
}

func (a *Adapter) RenewJobLease(ctx context.Context, id uuid.UUID, workerID string, duration time.Duration) (*entity.Job, error) {
	row := a.querier(ctx).QueryRowContext(ctx, `
		UPDATE job
		SET status = 'running', leased_by = $2, leased_until = now() + $3::interval
		WHERE id = $1 AND status != 'completed' AND (leased_by IS NULL OR leased_by = $2)
		RETURNING `+jobColumns, id, workerID, fmt.Sprintf("%d milliseconds", duration.Milliseconds()))

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		current, gerr := a.GetJobByID(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if current.Status.Terminal() {
			return nil, repository.ErrJobAlreadyCompleted
		}
		return nil, repository.ErrJobTakenByAnotherWorker
	}
	if err != nil {
		return nil, fmt.Errorf("queuert/state/postgres: renew lease: %w", err)
	}
	return job, nil
}

func (a *Adapter) RemoveExpiredJobLease(ctx context.Context, typeNames []string, ignoredIDs []uuid.UUID) (*entity.Job, error) {
	ids := make([]uuid.UUID, len(ignoredIDs))
	copy(ids, ignoredIDs)

	row := a.querier(ctx).QueryRowContext(ctx, `
		UPDATE job
		SET status = 'pending', leased_by = NULL, leased_until = NULL, scheduled_at = now()
		WHERE id = (
			SELECT id FROM job
			WHERE status = 'running' AND type_name = ANY($1) AND leased_until < now() AND NOT (id = ANY($2))
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, pq.Array(typeNames), pq.Array(ids))

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queuert/state/postgres: reap: %w", err)
	}
	return job, nil
}

func (a *Adapter) CompleteJob(ctx context.Context, id uuid.UUID, output json.RawMessage, workerID *string) (*entity.Job, error) {
	var outputArg any
	if output != nil {
		outputArg = []byte(output)
	}

	row := a.querier(ctx).QueryRowContext(ctx, `
		UPDATE job
		SET status = 'completed', output = $2, completed_at = now(), completed_by = $3, leased_by = NULL, leased_until = NULL
		WHERE id = $1 AND status != 'completed'
		RETURNING `+jobColumns, id, outputArg, workerID)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrJobAlreadyCompleted
	}
	if err != nil {
		return nil, fmt.Errorf("queuert/state/postgres: complete: %w", err)
	}
	return job, nil
}

func (a *Adapter) RescheduleJob(ctx context.Context, id uuid.UUID, schedule valueobject.Schedule, attemptErr error) (*entity.Job, error) {
	now := time.Now().UTC()
	scheduledAt := schedule.Resolve(now)
	msg := attemptErr.Error()

	row := a.querier(ctx).QueryRowContext(ctx, `
		UPDATE job
		SET status = 'pending', scheduled_at = $2, last_attempt_error = $3, leased_by = NULL, leased_until = NULL
		WHERE id = $1 AND status != 'completed'
		RETURNING `+jobColumns, id, scheduledAt, msg)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrJobAlreadyCompleted
	}
	if err != nil {
		return nil, fmt.Errorf("queuert/state/postgres: reschedule: %w", err)
	}
	return job, nil
}

func (a *Adapter) AddJobBlockers(ctx context.Context, jobID uuid.UUID, blockedByChainIDs []uuid.UUID) (*entity.Job, []uuid.UUID, error) {
	q := a.querier(ctx)

	for i, chainID := range blockedByChainIDs {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO job_blocker (job_id, blocked_by_chain_id, position) VALUES ($1, $2, $3)
			ON CONFLICT (job_id, blocked_by_chain_id) DO NOTHING
		`, jobID, chainID, i); err != nil {
			return nil, nil, fmt.Errorf("queuert/state/postgres: add blocker: %w", err)
		}
	}

	var incomplete []uuid.UUID
	for _, chainID := range blockedByChainIDs {
		last, err := a.lastJob(ctx, chainID)
		if err != nil {
			return nil, nil, err
		}
		if !last.Status.Terminal() {
			incomplete = append(incomplete, chainID)
		}
	}

	if len(incomplete) > 0 {
		if _, err := q.ExecContext(ctx, `UPDATE job SET status = 'blocked' WHERE id = $1 AND status != 'completed'`, jobID); err != nil {
			return nil, nil, fmt.Errorf("queuert/state/postgres: mark blocked: %w", err)
		}
	}

	job, err := a.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	return job, incomplete, nil
}

func (a *Adapter) ScheduleBlockedJobs(ctx context.Context, blockedByChainID uuid.UUID) (int, error) {
	res, err := a.querier(ctx).ExecContext(ctx, `
		UPDATE job
		SET status = 'pending', scheduled_at = now()
		WHERE status = 'blocked'
		  AND id IN (SELECT job_id FROM job_blocker WHERE blocked_by_chain_id = $1)
		  AND NOT EXISTS (
		      SELECT 1 FROM job_blocker jb
		      JOIN job blocker_last ON blocker_last.chain_id = jb.blocked_by_chain_id
		      WHERE jb.job_id = job.id
		        AND blocker_last.status != 'completed'
		        AND blocker_last.id = (
		            SELECT id FROM job WHERE chain_id = jb.blocked_by_chain_id ORDER BY created_at DESC, id DESC LIMIT 1
		        )
		  )
	`, blockedByChainID)
	if err != nil {
		return 0, fmt.Errorf("queuert/state/postgres: schedule blocked jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (a *Adapter) GetJobBlockers(ctx context.Context, jobID uuid.UUID) ([]entity.JobChain, error) {
	rows, err := a.querier(ctx).QueryContext(ctx, `
		SELECT blocked_by_chain_id FROM job_blocker WHERE job_id = $1 ORDER BY position ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("queuert/state/postgres: get blockers: %w", err)
	}
	defer rows.Close()

	var chainIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		chainIDs = append(chainIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	chains := make([]entity.JobChain, 0, len(chainIDs))
	for _, chainID := range chainIDs {
		root, err := a.GetJobByID(ctx, chainID)
		if err != nil {
			return nil, err
		}
		last, err := a.lastJob(ctx, chainID)
		if err != nil {
			return nil, err
		}
		chains = append(chains, entity.JobChain{Root: root, Last: last})
	}
	return chains, nil
}

func (a *Adapter) DeleteJobsByRootChainIDs(ctx context.Context, rootChainIDs []uuid.UUID) (int, error) {
	q := a.querier(ctx)

	var blockedFromOutside bool
	row := q.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1
			FROM job_blocker jb
			JOIN job owner ON owner.id = jb.job_id
			JOIN job blocker_root ON blocker_root.id = jb.blocked_by_chain_id
			WHERE blocker_root.root_chain_id = ANY($1)
			  AND owner.root_chain_id != ALL($1)
		)
	`, pq.Array(rootChainIDs))
	if err := row.Scan(&blockedFromOutside); err != nil {
		return 0, fmt.Errorf("queuert/state/postgres: deletion guard: %w", err)
	}
	if blockedFromOutside {
		return 0, repository.ErrDeletionBlocked
	}

	res, err := q.ExecContext(ctx, `DELETE FROM job WHERE root_chain_id = ANY($1)`, pq.Array(rootChainIDs))
	if err != nil {
		return 0, fmt.Errorf("queuert/state/postgres: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

var _ repository.StateAdapter = (*Adapter)(nil)
