package availability

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/AoaoMH/Aether/dispatch/model"
	"github.com/AoaoMH/Aether/dispatch/restrictions"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *gorm.DB) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	dialector := postgres.New(postgres.Config{Conn: mockDB})
	gormDB, err := gorm.Open(dialector, &gorm.Config{})
	require.NoError(t, err)

	return mockDB, mock, gormDB
}

func TestFind_NoEndpointsReturnsEmpty(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows(
		[]string{"id", "provider_id", "base_url", "api_family", "endpoint_kind", "is_active", "created_at", "updated_at"},
	))

	q := New(gormDB, nil)
	rows, err := q.Find(context.Background(), Request{
		RequestedSignatures: []string{"claude:chat"},
		Restrictions:        restrictions.Effective{},
	})
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestFind_FiltersEndpointsBySignature(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	now := time.Now()
	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows(
		[]string{"id", "provider_id", "base_url", "api_family", "endpoint_kind", "is_active", "created_at", "updated_at"},
	).AddRow(1, 1, "https://api.example.com", "gemini", "chat", true, now, now))

	q := New(gormDB, nil)
	rows, err := q.Find(context.Background(), Request{
		RequestedSignatures: []string{"claude:chat"}, // doesn't match the gemini:chat row above
		Restrictions:        restrictions.Effective{},
	})
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestKeyAdmitsFormat_NilMeansAllEndpointFormats(t *testing.T) {
	requested := map[string]bool{"claude:chat": true}
	ok := keyAdmitsFormat(model.ProviderAPIKey{}, "claude:chat", requested)
	require.True(t, ok)
}
