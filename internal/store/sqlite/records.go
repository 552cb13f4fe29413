package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/John-Robertt/songsync/internal/domain"
)

// ErrNotFound 表示记录或运行不存在。
var ErrNotFound = domain.ErrNotFound

type RecordsRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewRecordsRepository(db *sql.DB) *RecordsRepository {
	return &RecordsRepository{db: db, now: time.Now}
}

const recordColumns = `id, title, artist, title_url, artist_url, purchased_on, date_text, download_url, page, status`

// Known 返回全部已知记录，按最近一次扫描中的位置排序。
func (r *RecordsRepository) Known(ctx context.Context) ([]domain.PurchaseRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM records ORDER BY position ASC, first_seen ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// List 返回按状态过滤（status 为空表示全部）的记录。
func (r *RecordsRepository) List(ctx context.Context, status domain.Status, limit int) ([]domain.PurchaseRecord, error) {
	if limit <= 0 || limit > 5000 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE (? = '' OR status = ?)
		ORDER BY position ASC, id ASC
		LIMIT ?
	`, string(status), string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (r *RecordsRepository) Get(ctx context.Context, id string) (domain.PurchaseRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	if err != nil {
		return domain.PurchaseRecord{}, err
	}
	defer rows.Close()
	recs, err := scanRecords(rows)
	if err != nil {
		return domain.PurchaseRecord{}, err
	}
	if len(recs) == 0 {
		return domain.PurchaseRecord{}, ErrNotFound
	}
	return recs[0], nil
}

// Upsert 写入一批记录（单事务）。已存在的记录只更新文本字段与位置，状态保持不变。
func (r *RecordsRepository) Upsert(ctx context.Context, recs []domain.PurchaseRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records(id, title, artist, title_url, artist_url, purchased_on, date_text, download_url, page, position, status, first_seen, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			artist = excluded.artist,
			title_url = excluded.title_url,
			artist_url = excluded.artist_url,
			purchased_on = excluded.purchased_on,
			date_text = excluded.date_text,
			download_url = excluded.download_url,
			page = excluded.page,
			position = excluded.position,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := timestamp(r.now())
	for i, rec := range recs {
		if rec.ID == "" {
			return fmt.Errorf("%w：第 %d 条记录", domain.ErrMissingIdentifier, i+1)
		}
		status := rec.Status
		if status == "" {
			status = domain.StatusUnseen
		}
		if _, err := stmt.ExecContext(ctx,
			rec.ID, rec.Title, rec.Artist, rec.TitleURL, rec.ArtistURL, rec.Date.String(), rec.DateText,
			rec.DownloadURL, rec.Page, i, string(status), now, now,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SetStatus 更新记录状态并追加一条状态迁移日志（同一事务）。
func (r *RecordsRepository) SetStatus(ctx context.Context, id string, st domain.Status, detail string) error {
	if _, ok := domain.ParseStatus(string(st)); !ok {
		return fmt.Errorf("未知状态：%q", st)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := timestamp(r.now())
	res, err := tx.ExecContext(ctx, `UPDATE records SET status = ?, detail = ?, updated_at = ? WHERE id = ?`, string(st), detail, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w：%s", ErrNotFound, id)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO status_events(record_id, status, detail, at) VALUES(?, ?, ?, ?)`, id, string(st), detail, now); err != nil {
		return err
	}
	return tx.Commit()
}

// History 返回某条记录的状态迁移（时间升序）。
func (r *RecordsRepository) History(ctx context.Context, id string) ([]domain.StatusChange, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT record_id, status, detail, at FROM status_events WHERE record_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.StatusChange{}
	for rows.Next() {
		var e domain.StatusChange
		var st, at string
		if err := rows.Scan(&e.RecordID, &st, &e.Detail, &at); err != nil {
			return nil, err
		}
		e.Status = domain.Status(st)
		e.At = parseTimestamp(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanRecords(rows *sql.Rows) ([]domain.PurchaseRecord, error) {
	out := []domain.PurchaseRecord{}
	for rows.Next() {
		var rec domain.PurchaseRecord
		var date, status string
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.Artist, &rec.TitleURL, &rec.ArtistURL, &date, &rec.DateText, &rec.DownloadURL, &rec.Page, &status); err != nil {
			return nil, err
		}
		rec.Date, _ = domain.ParseISODate(date)
		st, ok := domain.ParseStatus(status)
		if !ok {
			st = domain.StatusUnseen
		}
		rec.Status = st
		out = append(out, rec)
	}
	return out, rows.Err()
}
