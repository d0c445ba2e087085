package extract

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/nadmax/activity-etl/internal/analytics"
	"github.com/nadmax/activity-etl/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var columns = []string{"user_id", "username", "email", "id", "created_at", "ip"}

type fakeStager struct {
	mu     sync.Mutex
	staged map[string]any
	err    error
}

func (f *fakeStager) Put(_ context.Context, runID, stage string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.staged == nil {
		f.staged = make(map[string]any)
	}
	f.staged[runID+"/"+stage] = v
	return nil
}

func setupMockSource(t *testing.T) (*Extractor, sqlmock.Sqlmock, *fakeStager) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.MatchExpectationsInOrder(false)
	stager := &fakeStager{}
	return New(db, config.DefaultSources(), stager), mock, stager
}

func TestWindowFor(t *testing.T) {
	w := WindowFor(time.Date(2024, 6, 1, 17, 30, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), w.Start)
	assert.Equal(t, time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC), w.End)
}

func TestExtract_JoinsSourcesInOrder(t *testing.T) {
	ex, mock, _ := setupMockSource(t)
	w := WindowFor(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	at := time.Date(2024, 6, 1, 14, 5, 0, 0, time.UTC)

	mock.ExpectQuery(`"cartdb"\."cart_items"`).
		WithArgs(w.Start, w.End).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(42, "ada", "ada@example.com", "7", at, nil))
	mock.ExpectQuery(`"orderdb"\."orders"`).
		WithArgs(w.Start, w.End).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(42, "ada", "ada@example.com", "9", at.Add(30*time.Minute), nil).
			AddRow(99, nil, nil, "10", at.Add(time.Hour), "10.1.1.1"))

	events, err := ex.Extract(context.Background(), w)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, "cart_action", events[0].Action)
	assert.Equal(t, "cart", events[0].ResourceType)
	assert.Equal(t, "192.168.1.1", events[0].IPAddress)
	assert.Equal(t, "ada", *events[0].Username)

	assert.Equal(t, "order_placed", events[1].Action)
	assert.Equal(t, "order", events[1].ResourceType)
	assert.Equal(t, "192.168.1.2", events[1].IPAddress)

	assert.Equal(t, int64(99), events[2].UserID)
	assert.Nil(t, events[2].Username, "unmatched users keep the activity row")
	assert.Nil(t, events[2].Email)
	assert.Equal(t, "10.1.1.1", events[2].IPAddress)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_StagesEmptyDataset(t *testing.T) {
	ex, mock, stager := setupMockSource(t)
	w := WindowFor(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))

	mock.ExpectQuery(`"cartdb"\."cart_items"`).WillReturnRows(sqlmock.NewRows(columns))
	mock.ExpectQuery(`"orderdb"\."orders"`).WillReturnRows(sqlmock.NewRows(columns))

	n, err := ex.Run(context.Background(), "run-1", w)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	staged, ok := stager.staged["run-1/"+Stage].(analytics.EventColumns)
	require.True(t, ok)
	rows, err := staged.Rows()
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.NotNil(t, staged.IPAddress)
}

func TestExtract_SourceFailure(t *testing.T) {
	ex, mock, stager := setupMockSource(t)
	w := WindowFor(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))

	mock.ExpectQuery(`"cartdb"\."cart_items"`).WillReturnError(errors.New("connection refused"))
	mock.ExpectQuery(`"orderdb"\."orders"`).WillReturnRows(sqlmock.NewRows(columns))

	_, err := ex.Run(context.Background(), "run-1", w)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cartdb.cart_items")
	assert.Empty(t, stager.staged)
}

func TestSourceQuery_IPColumn(t *testing.T) {
	q := sourceQuery(config.ActivitySource{Table: "gateway.requests", IPColumn: "client_ip"})
	assert.Contains(t, q, `a."client_ip"::text`)
	assert.Contains(t, q, `FROM "gateway"."requests" a`)
	assert.Contains(t, q, `LEFT JOIN "authdb"."users" u`)
}
