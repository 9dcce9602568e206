package account

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestEntitled(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := Settings{}
	require.True(t, s.Entitled(now))

	past := now.Add(-time.Minute)
	s.SubscriptionExpiresAt = &past
	require.False(t, s.Entitled(now))

	future := now.Add(time.Hour)
	s.SubscriptionExpiresAt = &future
	require.True(t, s.Entitled(now))
}

func TestTradeable(t *testing.T) {
	s := Settings{
		Credentials: Credentials{APIKey: "k", APISecret: "s"},
		Symbol:      "KASUSDT",
		BuyAmount:   decimal.NewFromInt(10),
	}
	require.True(t, s.Tradeable())

	s.Credentials.APISecret = " "
	require.False(t, s.Tradeable())
}
