package prescription

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	e, err := NewEvent(42, 7, EventPrescriptionCreated, CreatedData{
		ExternalID:   "RX-001",
		DurationDays: 30,
		Items:        []Item{{DrugName: "Amoxicillin", Quantity: "20"}},
	})
	require.NoError(t, err)
	assert.Len(t, e.ID, 36)
	assert.Equal(t, "42", e.Key())
	assert.Equal(t, int64(7), e.ActorID)

	var data CreatedData
	require.NoError(t, json.Unmarshal(e.Data, &data))
	assert.Equal(t, "RX-001", data.ExternalID)
	require.Len(t, data.Items, 1)
	assert.Equal(t, Quantity("20"), data.Items[0].Quantity)
}

func TestNewEventWithoutData(t *testing.T) {
	e, err := NewEvent(1, 2, EventPrescriptionUsed, nil)
	require.NoError(t, err)
	assert.Nil(t, e.Data)

	b, err := json.Marshal(e)
	require.NoError(t, err)
	assert.NotContains(t, string(b), `"data"`)
}
