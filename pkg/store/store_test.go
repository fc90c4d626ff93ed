package store

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()

	stores := map[string]Store{"memory": NewMemoryStore()}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" || testing.Short() {
		return stores
	}
	pg, err := NewPostgresStore(context.Background(), dsn)
	if err != nil {
		t.Logf("PostgreSQL not available for testing: %v", err)
		return stores
	}
	t.Cleanup(func() { pg.Close() })
	stores["postgres"] = pg
	return stores
}

func TestSaveAndGet(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := uuid.NewString()

			_, err := s.Get(ctx, id)
			assert.ErrorIs(t, err, ErrNotFound)

			rec := &Record{
				RequestID:      id,
				StudentAddress: "0x1111111111111111111111111111111111111111",
				FileName:       "diploma.pdf",
				Outcome:        OutcomePending,
				Attempts:       1,
			}
			require.NoError(t, s.Save(ctx, rec))
			assert.False(t, rec.CreatedAt.IsZero())
			created := rec.CreatedAt

			got, err := s.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, OutcomePending, got.Outcome)
			assert.False(t, got.Uploaded())
			assert.Equal(t, "diploma.pdf", got.FileName)

			got.ContentReference = "Qm123"
			got.ContentDigest = "bafkreidigest"
			got.Outcome = OutcomeUploaded
			require.NoError(t, s.Save(ctx, got))

			got, err = s.Get(ctx, id)
			require.NoError(t, err)
			assert.True(t, got.Uploaded())
			assert.Equal(t, "Qm123", got.ContentReference)
			assert.Equal(t, "bafkreidigest", got.ContentDigest)
			assert.WithinDuration(t, created, got.CreatedAt, time.Millisecond)
			assert.False(t, got.UpdatedAt.Before(got.CreatedAt))

			got.TxHash = "0xabc"
			got.TokenID = "7"
			got.Outcome = OutcomeConfirmed
			require.NoError(t, s.Save(ctx, got))

			got, err = s.Get(ctx, id)
			require.NoError(t, err)
			assert.True(t, got.Confirmed())
			assert.Equal(t, "7", got.TokenID)
		})
	}
}

func TestSaveLongOperator(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := &Record{
				RequestID:      strings.Repeat("r", MaxRequestIDLength-len(name)) + name,
				StudentAddress: "0x1111111111111111111111111111111111111111",
				Outcome:        OutcomePending,
				Operator:       "registrar.office.of.academic.records@graduate-school.university.edu",
			}
			require.NoError(t, s.Save(ctx, rec))

			got, err := s.Get(ctx, rec.RequestID)
			require.NoError(t, err)
			assert.Equal(t, rec.Operator, got.Operator)
		})
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &Record{RequestID: "r1", Outcome: OutcomePending}))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	got.Outcome = OutcomeFailed

	again, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, again.Outcome)
}

func TestList(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Save(ctx, &Record{RequestID: id, Outcome: OutcomePending}))
		time.Sleep(2 * time.Millisecond)
	}

	all, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].RequestID)

	limited, err := s.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestNewWithoutDatabase(t *testing.T) {
	s, err := New(context.Background(), "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
}
