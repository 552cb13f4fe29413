package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/John-Robertt/songsync/internal/domain"
)

type RunsRepository struct {
	db *sql.DB
}

func NewRunsRepository(db *sql.DB) *RunsRepository {
	return &RunsRepository{db: db}
}

func (r *RunsRepository) Save(ctx context.Context, sum domain.RunSummary) error {
	counters, err := json.Marshal(sum.Counters)
	if err != nil {
		return err
	}
	failures := sum.Failures
	if failures == nil {
		failures = []domain.Failure{}
	}
	failuresJSON, err := json.Marshal(failures)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO runs(id, started_at, finished_at, outcome, reason, counters_json, failures_json)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished_at = excluded.finished_at,
			outcome = excluded.outcome,
			reason = excluded.reason,
			counters_json = excluded.counters_json,
			failures_json = excluded.failures_json
	`, sum.RunID, timestamp(sum.StartedAt), timestamp(sum.FinishedAt), string(sum.Outcome), sum.Reason, string(counters), string(failuresJSON))
	return err
}

// List 返回最近的运行（开始时间倒序）。
func (r *RunsRepository) List(ctx context.Context, limit int) ([]domain.RunSummary, error) {
	if limit <= 0 || limit > 500 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, outcome, reason, counters_json, failures_json
		FROM runs ORDER BY started_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.RunSummary{}
	for rows.Next() {
		sum, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Last 返回最近一次运行；没有运行时返回 ErrNotFound。
func (r *RunsRepository) Last(ctx context.Context) (domain.RunSummary, error) {
	runs, err := r.List(ctx, 1)
	if err != nil {
		return domain.RunSummary{}, err
	}
	if len(runs) == 0 {
		return domain.RunSummary{}, ErrNotFound
	}
	return runs[0], nil
}

func scanRun(rows *sql.Rows) (domain.RunSummary, error) {
	var sum domain.RunSummary
	var started, finished, outcome, counters, failures string
	if err := rows.Scan(&sum.RunID, &started, &finished, &outcome, &sum.Reason, &counters, &failures); err != nil {
		return domain.RunSummary{}, err
	}
	sum.StartedAt = parseTimestamp(started)
	sum.FinishedAt = parseTimestamp(finished)
	sum.Outcome = domain.Outcome(outcome)
	if err := json.Unmarshal([]byte(counters), &sum.Counters); err != nil {
		return domain.RunSummary{}, errors.Join(errors.New("counters_json 损坏"), err)
	}
	if err := json.Unmarshal([]byte(failures), &sum.Failures); err != nil {
		return domain.RunSummary{}, errors.Join(errors.New("failures_json 损坏"), err)
	}
	if sum.Failures == nil {
		sum.Failures = []domain.Failure{}
	}
	return sum, nil
}
