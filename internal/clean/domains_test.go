package clean

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/crash-pipeline/internal/model"
)

func TestLoadDomains_CoversEveryGoldDomain(t *testing.T) {
	d, err := LoadDomains()
	require.NoError(t, err)
	for _, c := range model.GoldColumns {
		if c.Domain == "" {
			continue
		}
		assert.NotEmpty(t, d.Values(c.Domain), c.Name)
		if c.Domain != model.SeverityDomain {
			assert.True(t, d.Contains(c.Domain, Unknown), "%s admits UNKNOWN", c.Domain)
		}
	}
	assert.Equal(t, []string{"fatal", "injury", "no_injury"}, d.Values(model.SeverityDomain))
}

func TestParseDomains_MissingDomain(t *testing.T) {
	_, err := ParseDomains([]byte("weather_condition: [CLEAR]\n"))
	assert.ErrorContains(t, err, "no values for domain")

	_, err = ParseDomains([]byte("- a\n- b\n"))
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "CLOUDY/OVERCAST", Normalize("  cloudy/overcast "))
	assert.Equal(t, "STOP SIGN/FLASHER", Normalize("stop\tsign/flasher"))
	assert.Equal(t, "FOG", Normalize("ｆｏｇ"), "full-width forms fold under NFKC")
	assert.Empty(t, Normalize("   "))
}

func TestCanonical(t *testing.T) {
	d, err := LoadDomains()
	require.NoError(t, err)

	v, replaced := d.Canonical("weather_condition", "rain")
	assert.Equal(t, "RAIN", v)
	assert.False(t, replaced)

	v, replaced = d.Canonical("weather_condition", "volcanic ash")
	assert.Equal(t, Unknown, v)
	assert.True(t, replaced)

	v, replaced = d.Canonical("weather_condition", "")
	assert.Equal(t, Unknown, v)
	assert.False(t, replaced)
}
