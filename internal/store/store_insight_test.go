package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestInsertInsight(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	rec := InsightRecord{
		SignalType:  "insider_buy",
		Symbol:      "ABC",
		CompanyName: "ABC Industries",
		Headline:    "Promoter doubles stake during selloff",
		Evidence:    []EvidenceFact{{Fact: "Acquired 2% at market", Source: "exchange filing"}},
		Analysis:    "Sustained buying against the tape.",
		Score:       8.2,
		Embedding:   []float32{0.1, 0.2},
	}

	query := regexp.QuoteMeta(`
INSERT INTO insights (signal_type, symbol, company_name, headline, evidence, analysis, score, embedding, metadata, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8::vector,$9,NOW())
RETURNING id, created_at
`)
	mock.ExpectQuery(query).
		WithArgs("insider_buy", "ABC", "ABC Industries", rec.Headline, sqlmock.AnyArg(), rec.Analysis, 8.2, "[0.1,0.2]", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow("ins-1", time.Now()))

	created, err := st.InsertInsight(context.Background(), rec)
	if err != nil {
		t.Fatalf("InsertInsight: %v", err)
	}
	if created.ID != "ins-1" {
		t.Fatalf("expected generated id, got %q", created.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSearchSimilarInsights(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`
SELECT id, headline, analysis, score, created_at, 1 - (embedding <=> $1::vector) AS similarity
FROM insights
WHERE embedding IS NOT NULL AND 1 - (embedding <=> $1::vector) > $2
ORDER BY embedding <=> $1::vector
LIMIT $3
`)
	rows := sqlmock.NewRows([]string{"id", "headline", "analysis", "score", "created_at", "similarity"}).
		AddRow("ins-1", "Promoter buying", "analysis", 8.0, time.Now(), 0.91)
	mock.ExpectQuery(query).WithArgs("[0.1,0.2]", 0.7, 5).WillReturnRows(rows)

	results, err := st.SearchSimilarInsights(context.Background(), []float32{0.1, 0.2}, 5, 0.7)
	if err != nil {
		t.Fatalf("SearchSimilarInsights: %v", err)
	}
	if len(results) != 1 || results[0].Similarity != 0.91 {
		t.Fatalf("unexpected results: %+v", results)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMarkInsightShownMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE insights SET shown_to_user = TRUE WHERE id=$1`)).
		WithArgs("ins-x").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := st.MarkInsightShown(context.Background(), "ins-x"); err == nil {
		t.Fatal("expected error for unknown insight")
	}
}
