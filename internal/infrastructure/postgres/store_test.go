package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxguard/internal/bot"
	"github.com/drfirst/go-rxguard/internal/domain/prescription"
	"github.com/drfirst/go-rxguard/internal/domain/user"
	"github.com/drfirst/go-rxguard/internal/session"
	"github.com/drfirst/go-rxguard/internal/storetest"
)

// testStore connects to TEST_DATABASE_URL, applies migrations and truncates
// every table.
func testStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skipf("TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := NewPool(ctx, PoolConfig{URL: url, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = NewMigrator(pool, nil).Up(ctx)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `TRUNCATE audit_log, prescription_items, prescriptions, users, outbox, inbox, bot_sessions RESTART IDENTITY CASCADE`)
	require.NoError(t, err)

	return NewStore(pool, DefaultStoreConfig(), nil)
}

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) bot.Store { return testStore(t) })
}

func TestMutationsWriteOutbox(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	doc := storetest.MustUser(t, s, 1, user.RoleDoctor, "Doc")
	id := storetest.MustPrescription(t, s, doc.ID, "RX-OUT")
	require.NoError(t, s.MarkUsed(ctx, id, doc.ID))

	rows, err := s.pool.Query(ctx, `SELECT event_type, kafka_topic, kafka_key FROM outbox ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()

	var events []string
	for rows.Next() {
		var eventType, topic, key string
		require.NoError(t, rows.Scan(&eventType, &topic, &key))
		assert.Equal(t, "prescription.audit", topic)
		events = append(events, eventType)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{
		string(prescription.EventPrescriptionCreated),
		string(prescription.EventPrescriptionUsed),
	}, events)
}

type capturePublisher struct {
	topics []string
	fail   bool
}

func (c *capturePublisher) Publish(_ context.Context, topic, _ string, _ []byte) error {
	if c.fail {
		return assert.AnError
	}
	c.topics = append(c.topics, topic)
	return nil
}

func TestRelayPublishesAndDeadLetters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	doc := storetest.MustUser(t, s, 1, user.RoleDoctor, "Doc")
	storetest.MustPrescription(t, s, doc.ID, "")

	failing := &capturePublisher{fail: true}
	relay := NewRelay(s.pool, failing, OutboxConfig{MaxRetries: 1}, nil)
	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	stats, err := relay.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(1), stats.Failing)

	ok := &capturePublisher{}
	relay = NewRelay(s.pool, ok, OutboxConfig{MaxRetries: 1}, nil)
	_, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dead.letter"}, ok.topics)

	stats, err = relay.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
}

func TestSessionsRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sessions := NewSessions(s.pool)

	sess := &session.Session{Step: session.StepDrugName, Draft: &prescription.Draft{ExternalID: "RX-7"}}
	require.NoError(t, sessions.Save(ctx, 42, sess))

	got, err := sessions.Load(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, session.StepDrugName, got.Step)
	require.NotNil(t, got.Draft)
	assert.Equal(t, "RX-7", got.Draft.ExternalID)

	got.Reset()
	require.NoError(t, sessions.Save(ctx, 42, got))
	got, err = sessions.Load(ctx, 42)
	require.NoError(t, err)
	assert.True(t, got.Idle())
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := LoadMigrations(NewMigrator(nil, nil).files)
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	assert.Equal(t, 1, migrations[0].Version)
	assert.Contains(t, migrations[0].SQL, "CREATE TABLE IF NOT EXISTS prescriptions")
}
