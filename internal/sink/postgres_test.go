package sink

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockSink(t *testing.T) (sqlmock.Sqlmock, *PostgresSink) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return mock, NewPostgresSink(db, zap.NewNop())
}

func TestPostgresSink_AppendRow_Success(t *testing.T) {
	mock, s := setupMockSink(t)

	mock.ExpectExec("INSERT INTO radar_telemetry").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.AppendRow(context.Background(), sampleRow())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSink_AppendRow_AuthError(t *testing.T) {
	mock, s := setupMockSink(t)

	mock.ExpectExec("INSERT INTO radar_telemetry").
		WillReturnError(&pq.Error{Code: "28P01", Message: "password authentication failed"})

	err := s.AppendRow(context.Background(), sampleRow())
	require.Error(t, err)
	assert.Equal(t, KindAuth, KindOf(err))
}

func TestPostgresSink_AppendRow_ResourceExhaustedIsQuota(t *testing.T) {
	mock, s := setupMockSink(t)

	mock.ExpectExec("INSERT INTO radar_telemetry").
		WillReturnError(&pq.Error{Code: "53300", Message: "too many connections"})

	err := s.AppendRow(context.Background(), sampleRow())
	require.Error(t, err)
	assert.Equal(t, KindQuota, KindOf(err))
}

func TestPostgresSink_AppendRow_UnknownError(t *testing.T) {
	mock, s := setupMockSink(t)

	mock.ExpectExec("INSERT INTO radar_telemetry").
		WillReturnError(errors.New("syntax error"))

	err := s.AppendRow(context.Background(), sampleRow())
	require.Error(t, err)
	assert.Equal(t, KindUnknown, KindOf(err))
}
