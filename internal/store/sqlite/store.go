package sqlite

import (
	"context"

	"github.com/John-Robertt/songsync/internal/domain"
)

// Store 把记录与运行两个仓库组合成协调器需要的状态存储。
type Store struct {
	DB      *DB
	Records *RecordsRepository
	Runs    *RunsRepository
}

func NewStore(db *DB) *Store {
	return &Store{
		DB:      db,
		Records: NewRecordsRepository(db.SQL),
		Runs:    NewRunsRepository(db.SQL),
	}
}

func (s *Store) KnownRecords(ctx context.Context) ([]domain.PurchaseRecord, error) {
	return s.Records.Known(ctx)
}

func (s *Store) SaveRecords(ctx context.Context, recs []domain.PurchaseRecord) error {
	return s.Records.Upsert(ctx, recs)
}

func (s *Store) UpdateStatus(ctx context.Context, id string, st domain.Status, detail string) error {
	return s.Records.SetStatus(ctx, id, st, detail)
}

func (s *Store) SaveRun(ctx context.Context, sum domain.RunSummary) error {
	return s.Runs.Save(ctx, sum)
}

func (s *Store) Close() error { return s.DB.Close() }
