package analytics_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/analytics"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/testutil"
)

var (
	testStore *analytics.Store
	testDSN   string
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	ch := testutil.MustStartClickHouse()
	testDSN = ch.DSN
	var err error
	testStore, err = analytics.New(ctx, ch.DSN, testutil.TestLogger())
	if err != nil {
		ch.Terminate()
		fmt.Fprintf(os.Stderr, "failed to connect to clickhouse: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	_ = testStore.Close()
	ch.Terminate()
	os.Exit(code)
}

func newEvent(projectID, labelID uuid.UUID, value float64, at time.Time) model.LabelEvent {
	return model.LabelEvent{
		WriteID:     uuid.New(),
		ProjectID:   projectID,
		ClassID:     uuid.New(),
		LabelID:     labelID,
		LabelName:   "relevance",
		LabelSource: model.SourceKindEvaluator,
		ValueKey:    "relevant",
		Value:       value,
		SpanID:      uuid.New(),
		RecordedAt:  at.UTC().Truncate(time.Microsecond),
	}
}

func TestAppendKeepsEveryWrite(t *testing.T) {
	ctx := context.Background()
	project, label := uuid.New(), uuid.New()
	now := time.Now()

	first := newEvent(project, label, 0.8, now)
	second := newEvent(project, label, 0.95, now.Add(time.Millisecond))
	require.NoError(t, testStore.Append(ctx, first))
	require.NoError(t, testStore.Append(ctx, second))

	history, err := testStore.History(ctx, project, label)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, first.WriteID, history[0].WriteID)
	assert.Equal(t, 0.8, history[0].Value)
	assert.Equal(t, second.WriteID, history[1].WriteID)
	assert.Equal(t, 0.95, history[1].Value)
	assert.Equal(t, model.SourceKindEvaluator, history[1].LabelSource)
	assert.True(t, second.RecordedAt.Equal(history[1].RecordedAt))
}

func TestAppendRetryIsDeduplicated(t *testing.T) {
	ctx := context.Background()
	project, label := uuid.New(), uuid.New()
	e := newEvent(project, label, 1, time.Now())

	require.NoError(t, testStore.Append(ctx, e))
	require.NoError(t, testStore.Append(ctx, e))

	history, err := testStore.History(ctx, project, label)
	require.NoError(t, err)
	assert.Len(t, history, 1, "a retried event must be visible once")
}

func TestHistoryIsScopedToProject(t *testing.T) {
	ctx := context.Background()
	label := uuid.New()
	require.NoError(t, testStore.Append(ctx, newEvent(uuid.New(), label, 1, time.Now())))

	history, err := testStore.History(ctx, uuid.New(), label)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestLabelEventsArePartitionedByProject(t *testing.T) {
	ctx := context.Background()
	opts, err := clickhouse.ParseDSN(testDSN)
	require.NoError(t, err)
	conn, err := clickhouse.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var key string
	require.NoError(t, conn.QueryRow(ctx,
		`SELECT partition_key FROM system.tables WHERE database = currentDatabase() AND name = 'label_events'`,
	).Scan(&key))
	assert.Contains(t, key, "cityHash64(project_id)")

	// A retried event stays deduplicated across the partitioned layout.
	project, label := uuid.New(), uuid.New()
	e := newEvent(project, label, 0.4, time.Now())
	require.NoError(t, testStore.Append(ctx, e))
	require.NoError(t, testStore.Append(ctx, e))
	require.NoError(t, conn.Exec(ctx, `OPTIMIZE TABLE label_events FINAL`))

	var rows uint64
	require.NoError(t, conn.QueryRow(ctx,
		`SELECT count() FROM label_events WHERE project_id = ? AND label_id = ?`, project, label,
	).Scan(&rows))
	assert.Equal(t, uint64(1), rows, "merges collapse the retry inside its partition")
}

func TestAppendEmptyIsNoop(t *testing.T) {
	assert.NoError(t, testStore.Append(context.Background()))
}

func TestPing(t *testing.T) {
	assert.NoError(t, testStore.Ping(context.Background()))
}
