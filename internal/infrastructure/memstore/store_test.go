package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxguard/internal/bot"
	"github.com/drfirst/go-rxguard/internal/domain/prescription"
	"github.com/drfirst/go-rxguard/internal/domain/user"
	"github.com/drfirst/go-rxguard/internal/storetest"
)

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) bot.Store { return New() })
}

func TestCreatedAtUsesClock(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time { return at }))
	doc := storetest.MustUser(t, s, 1, user.RoleDoctor, "Doc")
	id := storetest.MustPrescription(t, s, doc.ID, "")

	p, err := s.Prescription(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, p.CreatedAt.Equal(at))
	assert.Equal(t, at.AddDate(0, 0, 30), p.ExpiresAt())
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	s := New()
	doc := storetest.MustUser(t, s, 1, user.RoleDoctor, "Doc")
	id := storetest.MustPrescription(t, s, doc.ID, "")

	p, err := s.Prescription(context.Background(), id)
	require.NoError(t, err)
	p.Items[0].Quantity = "999"
	p.Status = prescription.StatusUsed

	again, err := s.Prescription(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, prescription.Quantity("20"), again.Items[0].Quantity)
	assert.Equal(t, prescription.StatusActive, again.Status)
}

func TestCanceledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.ExternalIDExists(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}
