package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func TestRecordFeedbackWritesSampleInSameTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	fb := FeedbackRecord{
		InsightID:  "ins-1",
		StarRating: 4,
		Tags:       []string{"good_find"},
		Comment:    "solid thesis",
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`
INSERT INTO feedback (insight_id, star_rating, tags, comment, invested, realized_return, outcome_date, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
RETURNING id, created_at
`)).
		WithArgs("ins-1", 4, sqlmock.AnyArg(), "solid thesis", false, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(11), time.Now()))
	mock.ExpectExec(regexp.QuoteMeta(`
INSERT INTO reward_samples (insight_id, features, rating, used_in_training, created_at)
VALUES ($1,$2,$3,FALSE,NOW())
`)).
		WithArgs("ins-1", sqlmock.AnyArg(), 4).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	created, err := st.RecordFeedback(context.Background(), fb, []float64{8.2, 1, 0, 1, 5, 3, 1.2})
	if err != nil {
		t.Fatalf("RecordFeedback: %v", err)
	}
	if created.ID != 11 {
		t.Fatalf("expected feedback id 11, got %d", created.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRecordFeedbackRejectsBadRating(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	if _, err := st.RecordFeedback(context.Background(), FeedbackRecord{InsightID: "ins-1", StarRating: 6}, nil); err == nil {
		t.Fatal("expected error for out-of-range rating")
	}
}

func TestListUnusedRewardSamples(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	rows := sqlmock.NewRows([]string{"id", "insight_id", "features", "rating", "used_in_training", "created_at"}).
		AddRow(int64(1), "ins-1", pq.Float64Array{8.2, 1, 0, 1, 5, 3, 1.2}, 5, false, time.Now())
	mock.ExpectQuery("SELECT id, insight_id, features").WillReturnRows(rows)

	samples, err := st.ListUnusedRewardSamples(context.Background())
	if err != nil {
		t.Fatalf("ListUnusedRewardSamples: %v", err)
	}
	if len(samples) != 1 || len(samples[0].Features) != 7 {
		t.Fatalf("unexpected samples: %+v", samples)
	}
}

func TestMarkRewardSamplesUsedEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	// No IDs means no round-trip at all.
	if err := st.MarkRewardSamplesUsed(context.Background(), nil); err != nil {
		t.Fatalf("MarkRewardSamplesUsed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
