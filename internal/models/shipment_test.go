package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{ShipmentStatusPendingCreation, ShipmentStatusCreated, true},
		{ShipmentStatusPendingCreation, ShipmentStatusFailed, true},
		{ShipmentStatusPendingCreation, ShipmentStatusInTransit, false},
		{ShipmentStatusCreated, ShipmentStatusInTransit, true},
		{ShipmentStatusCreated, ShipmentStatusDelivered, true},
		{ShipmentStatusCreated, ShipmentStatusPendingCreation, false},
		{ShipmentStatusInTransit, ShipmentStatusDelivered, true},
		{ShipmentStatusInTransit, ShipmentStatusInTransit, true},
		{ShipmentStatusInTransit, ShipmentStatusCreated, false},
		{ShipmentStatusDelivered, ShipmentStatusInTransit, false},
		{ShipmentStatusDelivered, ShipmentStatusDelivered, false},
		{ShipmentStatusFailed, ShipmentStatusCreated, false},
		{ShipmentStatusFailed, ShipmentStatusFailed, false},
	}
	for _, c := range cases {
		require.Equal(t, c.want, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestIsTerminalStatus(t *testing.T) {
	require.True(t, IsTerminalStatus(ShipmentStatusDelivered))
	require.True(t, IsTerminalStatus(ShipmentStatusFailed))
	require.False(t, IsTerminalStatus(ShipmentStatusPendingCreation))
	require.False(t, IsTerminalStatus(ShipmentStatusCreated))
	require.False(t, IsTerminalStatus(ShipmentStatusInTransit))
}

func TestNote_HasRecipientAddress(t *testing.T) {
	s := func(v string) *string { return &v }

	n := &Note{
		RecipientName:         s("Alice"),
		RecipientAddressLine1: s("1 Main St"),
		RecipientCity:         s("Anytown"),
		RecipientPostalCode:   s("30303"),
		RecipientCountry:      s("US"),
	}
	require.True(t, n.HasRecipientAddress())

	n.RecipientPostalCode = nil
	require.False(t, n.HasRecipientAddress())

	n.RecipientPostalCode = s("")
	require.False(t, n.HasRecipientAddress())
}
