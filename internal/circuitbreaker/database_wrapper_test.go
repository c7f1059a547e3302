package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap/zaptest"
)

func newMockWrapper(t *testing.T) (*DatabaseWrapper, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewDatabaseWrapper(sqlx.NewDb(db, "postgres"), zaptest.NewLogger(t)), mock
}

func TestDatabaseWrapper_NormalOperations(t *testing.T) {
	wrapper, mock := newMockWrapper(t)
	ctx := context.Background()

	mock.ExpectPing()
	if err := wrapper.PingContext(ctx); err != nil {
		t.Errorf("PingContext failed: %v", err)
	}

	mock.ExpectQuery("SELECT (.+) FROM scans").
		WillReturnRows(sqlmock.NewRows([]string{"product_name", "trust_score"}).
			AddRow("Pixel 9", 82).
			AddRow("iPhone 15", 77))

	var rows []struct {
		ProductName string `db:"product_name"`
		TrustScore  int    `db:"trust_score"`
	}
	if err := wrapper.SelectContext(ctx, &rows, "SELECT product_name, trust_score FROM scans"); err != nil {
		t.Errorf("SelectContext failed: %v", err)
	}
	if len(rows) != 2 || rows[0].ProductName != "Pixel 9" {
		t.Errorf("Unexpected rows: %+v", rows)
	}

	mock.ExpectExec("INSERT INTO scans").
		WithArgs("Pixel 9").
		WillReturnResult(sqlmock.NewResult(1, 1))

	result, err := wrapper.ExecContext(ctx, wrapper.Rebind("INSERT INTO scans (product_name) VALUES (?)"), "Pixel 9")
	if err != nil {
		t.Fatalf("ExecContext failed: %v", err)
	}
	if affected, _ := result.RowsAffected(); affected != 1 {
		t.Errorf("Expected 1 affected row, got %d", affected)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestDatabaseWrapper_RebindUsesDollarPlaceholders(t *testing.T) {
	wrapper, _ := newMockWrapper(t)
	got := wrapper.Rebind("SELECT * FROM product_cache WHERE query_key = ? AND expires_at > ?")
	want := "SELECT * FROM product_cache WHERE query_key = $1 AND expires_at > $2"
	if got != want {
		t.Errorf("Rebind = %q, want %q", got, want)
	}
}

func TestDatabaseWrapper_NoRowsDoesNotTrip(t *testing.T) {
	wrapper, mock := newMockWrapper(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		mock.ExpectQuery("SELECT (.+) FROM product_cache").WillReturnError(sql.ErrNoRows)
		var key string
		err := wrapper.GetContext(ctx, &key, "SELECT query_key FROM product_cache")
		if !errors.Is(err, sql.ErrNoRows) {
			t.Fatalf("Expected sql.ErrNoRows, got %v", err)
		}
	}

	if wrapper.IsCircuitBreakerOpen() {
		t.Error("sql.ErrNoRows must not open the breaker")
	}
}

func TestDatabaseWrapper_CircuitBreakerOpens(t *testing.T) {
	wrapper, mock := newMockWrapper(t)
	ctx := context.Background()

	for i := 0; i < int(DatabaseSettings().FailureThreshold); i++ {
		mock.ExpectExec("INSERT INTO scans").WillReturnError(errors.New("connection refused"))
		if _, err := wrapper.ExecContext(ctx, "INSERT INTO scans DEFAULT VALUES"); err == nil {
			t.Fatal("Expected error from failing exec")
		}
	}

	if !wrapper.IsCircuitBreakerOpen() {
		t.Fatal("Expected circuit breaker to be open")
	}

	_, err := wrapper.ExecContext(ctx, "INSERT INTO scans DEFAULT VALUES")
	if !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Errorf("Expected ErrCircuitBreakerOpen, got %v", err)
	}
}

func TestDatabaseWrapper_WithTxRollsBackOnError(t *testing.T) {
	wrapper, mock := newMockWrapper(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE field_reports").WillReturnError(errors.New("constraint"))
	mock.ExpectRollback()

	err := wrapper.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, "UPDATE field_reports SET status = 'approved'")
		return err
	})
	if err == nil {
		t.Error("Expected transaction error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}
