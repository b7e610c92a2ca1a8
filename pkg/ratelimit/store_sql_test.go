package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestSQLStoreTakeToken(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewSQLStoreFromDB(db)

	t.Run("allowed", func(t *testing.T) {
		mock.ExpectQuery("INSERT INTO rate_buckets").
			WithArgs("k", 10, 10.0/60, int64(60000)).
			WillReturnRows(sqlmock.NewRows([]string{"tokens", "last_allowed"}).AddRow(9.0, true))

		res, err := store.TakeToken(context.Background(), "k", 10, 10.0/60, time.Minute)
		require.NoError(t, err)
		if !res.Allowed || res.Remaining != 9.0 {
			t.Errorf("result = %+v, want allowed with 9 remaining", res)
		}
		if res.RetryAfter != 0 {
			t.Errorf("retry hint = %s, want none while tokens remain", res.RetryAfter)
		}
	})

	t.Run("denied carries retry hint", func(t *testing.T) {
		mock.ExpectQuery("INSERT INTO rate_buckets").
			WithArgs("k", 10, 10.0/60, int64(60000)).
			WillReturnRows(sqlmock.NewRows([]string{"tokens", "last_allowed"}).AddRow(0.5, false))

		res, err := store.TakeToken(context.Background(), "k", 10, 10.0/60, time.Minute)
		require.NoError(t, err)
		if res.Allowed {
			t.Fatal("result should be denied")
		}
		// Half a token short at 1 token per 6 seconds.
		if want := 3 * time.Second; res.RetryAfter != want {
			t.Errorf("retry hint = %s, want %s", res.RetryAfter, want)
		}
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreSlideWindow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewSQLStoreFromDB(db)

	mock.ExpectQuery("INSERT INTO rate_windows").
		WithArgs("w", 5, int64(60000)).
		WillReturnRows(sqlmock.NewRows([]string{"cardinality", "last_allowed", "reset"}).AddRow(5, false, 12.5))

	res, err := store.SlideWindow(context.Background(), "w", 5, time.Minute)
	require.NoError(t, err)
	if res.Allowed {
		t.Fatal("result should be denied")
	}
	if res.Count != 5 {
		t.Errorf("count = %d, want 5", res.Count)
	}
	if want := 12500 * time.Millisecond; res.ResetAfter != want {
		t.Errorf("reset = %s, want %s", res.ResetAfter, want)
	}

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreSweep(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewSQLStoreFromDB(db)

	mock.ExpectQuery("DELETE FROM rate_buckets").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	removed, err := store.Sweep(context.Background())
	require.NoError(t, err)
	if removed != 7 {
		t.Errorf("removed = %d, want 7", removed)
	}

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewSQLStoreFromDB(db)

	mock.ExpectQuery("INSERT INTO rate_buckets").
		WillReturnError(context.DeadlineExceeded)

	if _, err := store.TakeToken(context.Background(), "k", 10, 1, time.Minute); err == nil {
		t.Error("query failure should surface to the limiter")
	}
}
