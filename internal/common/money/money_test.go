package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromMajor(t *testing.T) {
	tests := []struct {
		name     string
		major    float64
		currency Currency
		want     int64
	}{
		{"whole dollars", 150.00, USD, 15000},
		{"cents", 0.99, USD, 99},
		{"rounds half up", 10.005, USD, 1001},
		{"rounds down", 10.004, USD, 1000},
		{"zero decimal currency", 1500, JPY, 1500},
		{"unknown currency defaults to 2 digits", 12.34, Currency("XTS"), 1234},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := FromMajor(tt.major, tt.currency)
			assert.Equal(t, tt.want, m.AmountMinor)
			assert.Equal(t, tt.currency, m.Currency)
		})
	}
}

func TestParseCurrency(t *testing.T) {
	assert.Equal(t, USD, ParseCurrency("usd"))
	assert.Equal(t, JPY, ParseCurrency("jpy"))
	assert.Equal(t, EUR, ParseCurrency("EUR"))

	// Wire amounts in lowercase zero-decimal currencies still convert
	// without the two-digit default.
	m := FromMajor(1500, ParseCurrency("jpy"))
	assert.Equal(t, int64(1500), m.AmountMinor)
}

func TestMajorRoundTrip(t *testing.T) {
	m := FromMajor(150.00, USD)
	assert.Equal(t, 150.00, m.Major())

	m = New(1500, JPY)
	assert.Equal(t, 1500.0, m.Major())
}

func TestRoundMajor(t *testing.T) {
	assert.Equal(t, 100.00, RoundMajor(150.00-50.00, USD))
	assert.Equal(t, 0.10, RoundMajor(0.1+0.2-0.2, USD))
	assert.Equal(t, 3.0, RoundMajor(2.5001, JPY))
}

func TestAddSub(t *testing.T) {
	a := New(1000, USD)
	b := New(250, USD)

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, int64(1250), sum.AmountMinor)

	diff, err := a.Sub(b)
	require.NoError(t, err)
	assert.Equal(t, int64(750), diff.AmountMinor)

	_, err = a.Add(New(1, EUR))
	assert.Error(t, err)
}

func TestString(t *testing.T) {
	assert.Equal(t, "$150.00", New(15000, USD).String())
	assert.Equal(t, "¥1500", New(1500, JPY).String())
}
