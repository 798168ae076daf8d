package outbox

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ordergrid/eventing/pkg/db/dbtest"
	"github.com/ordergrid/eventing/pkg/db/models"
	"github.com/ordergrid/eventing/pkg/enums"
)

func deadLetterRow(key, message string) *models.DeadLetter {
	return &models.DeadLetter{
		Consumer:     "order-timeline",
		Topic:        "orders.v1",
		Offset:       41,
		Reason:       enums.DeadLetterReasonMaxAttempts,
		ErrorMessage: &message,
		Attempts:     4,
		FailedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		DedupeKey:    key,
	}
}

func TestDeadLetterInsertTruncatesOnRuneBoundary(t *testing.T) {
	repo := NewDeadLetterRepository(dbtest.Open(t))
	ctx := context.Background()

	row := deadLetterRow("event:evt-1", strings.Repeat("a", maxDLQErrorLen-1)+"é…")
	require.NoError(t, repo.Insert(ctx, row))

	got, err := repo.Get(ctx, row.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ErrorMessage)
	assert.True(t, utf8.ValidString(*got.ErrorMessage))
	assert.Len(t, *got.ErrorMessage, maxDLQErrorLen-1)
}

func TestDeadLetterInsertIsIdempotentPerDedupeKey(t *testing.T) {
	repo := NewDeadLetterRepository(dbtest.Open(t))
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, deadLetterRow("event:evt-1", "first")))
	require.NoError(t, repo.Insert(ctx, deadLetterRow("event:evt-1", "second")))
	require.NoError(t, repo.Insert(ctx, deadLetterRow("event:evt-2", "other")))

	rows, err := repo.List(ctx, "order-timeline", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	found, err := repo.FindByDedupeKey(ctx, "order-timeline", "event:evt-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "first", *found.ErrorMessage)

	missing, err := repo.FindByDedupeKey(ctx, "inventory-sync", "event:evt-1")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDeadLetterWithoutKeyGetsUniqueKey(t *testing.T) {
	repo := NewDeadLetterRepository(dbtest.Open(t))
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, deadLetterRow("", "a")))
	require.NoError(t, repo.Insert(ctx, deadLetterRow("", "b")))

	rows, err := repo.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.NotEqual(t, rows[0].DedupeKey, rows[1].DedupeKey)
}
