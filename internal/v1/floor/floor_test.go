package floor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController() (*Controller, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewController()
	c.now = func() time.Time { return now }
	return c, &now
}

// seedShare plants a share with an arbitrary bitrate so tests can reach
// budget states the standard tier table cannot produce on its own.
func seedShare(c *Controller, channel, clientId string, mbps float64, at time.Time) {
	if c.channels[channel] == nil {
		c.channels[channel] = make(map[string]*Share)
	}
	c.channels[channel][clientId] = &Share{
		ClientId:  clientId,
		Username:  clientId,
		Quality:   Quality720p30,
		Mbps:      mbps,
		StartedAt: at,
	}
}

func TestRequest_GrantsDesiredWhenBudgetAllows(t *testing.T) {
	c, _ := newTestController()

	d := c.Request("general", "alice", "alice", Quality1080p60)
	require.True(t, d.Granted)
	assert.Equal(t, Quality1080p60, d.Quality)
	assert.InDelta(t, 5.0, d.Mbps, 0.001)
	assert.Empty(t, d.Reason)
}

func TestRequest_ThreeFullQualitySharesFitExactly(t *testing.T) {
	c, _ := newTestController()

	for _, client := range []string{"alice", "bob", "carol"} {
		d := c.Request("general", client, client, Quality1080p60)
		require.True(t, d.Granted, "client %s", client)
		assert.Equal(t, Quality1080p60, d.Quality)
	}

	stats := c.ChannelStats("general")
	assert.Equal(t, 3, stats.Count)
	assert.InDelta(t, 15.0, stats.UsedMbps, 0.001)
	assert.InDelta(t, 0.0, stats.RemainingMbps, 0.001)

	d := c.Request("general", "dave", "dave", Quality480p30)
	assert.False(t, d.Granted)
	assert.Equal(t, DenyMaxShares, d.Reason)
}

func TestRequest_DeniesWhenBudgetExhausted(t *testing.T) {
	c, now := newTestController()

	// Two oversized shares leave less headroom than the minimum tier.
	seedShare(c, "general", "alice", 7.2, *now)
	seedShare(c, "general", "bob", 7.1, *now)

	d := c.Request("general", "carol", "carol", Quality480p30)
	assert.False(t, d.Granted)
	assert.Equal(t, DenyBudget, d.Reason)
}

func TestRequest_DowngradesToHighestFittingTier(t *testing.T) {
	c, now := newTestController()

	seedShare(c, "general", "alice", 6.0, *now)
	seedShare(c, "general", "bob", 6.0, *now)

	// Remaining 3.0: 1080p60 and 1080p30 are out, 720p60 fits.
	d := c.Request("general", "carol", "carol", Quality1080p60)
	require.True(t, d.Granted)
	assert.Equal(t, Quality720p60, d.Quality)
	assert.InDelta(t, 2.5, d.Mbps, 0.001)
}

func TestRequest_FallsToMinimumTier(t *testing.T) {
	c, now := newTestController()

	seedShare(c, "general", "alice", 14.1, *now)

	// Remaining ~0.9: above the deny threshold, below every tier but the
	// floor.
	d := c.Request("general", "bob", "bob", Quality1080p60)
	require.True(t, d.Granted)
	assert.Equal(t, Quality480p30, d.Quality)
}

func TestRequest_UnknownQualityGetsDefault(t *testing.T) {
	c, _ := newTestController()

	d := c.Request("general", "alice", "alice", Quality("4k120"))
	require.True(t, d.Granted)
	assert.Equal(t, QualityDefault, d.Quality)
}

func TestRequest_RenegotiationReplacesOwnShare(t *testing.T) {
	c, _ := newTestController()

	require.True(t, c.Request("general", "alice", "alice", Quality1080p60).Granted)

	d := c.Request("general", "alice", "alice", Quality720p30)
	require.True(t, d.Granted)
	assert.Equal(t, Quality720p30, d.Quality)

	stats := c.ChannelStats("general")
	assert.Equal(t, 1, stats.Count)
	assert.InDelta(t, 1.5, stats.UsedMbps, 0.001)
}

func TestRelease_FreesShare(t *testing.T) {
	c, _ := newTestController()

	c.Request("general", "alice", "alice", Quality1080p60)
	assert.True(t, c.Release("general", "alice"))
	assert.False(t, c.Release("general", "alice"))

	stats := c.ChannelStats("general")
	assert.Equal(t, 0, stats.Count)
	assert.InDelta(t, 15.0, stats.RemainingMbps, 0.001)
}

func TestReleaseAll_DropsClientAcrossChannels(t *testing.T) {
	c, _ := newTestController()

	c.Request("general", "alice", "alice", Quality720p30)
	c.Request("gaming", "alice", "alice", Quality720p30)
	c.Request("gaming", "bob", "bob", Quality720p30)

	assert.Equal(t, 2, c.ReleaseAll("alice"))
	assert.Equal(t, 0, c.ChannelStats("general").Count)

	gaming := c.ChannelStats("gaming")
	require.Equal(t, 1, gaming.Count)
	assert.Equal(t, "bob", gaming.Shares[0].ClientId)
}

func TestShareExpiresAfterMaxDuration(t *testing.T) {
	c, now := newTestController()

	c.Request("general", "alice", "alice", Quality1080p60)

	*now = now.Add(4*time.Hour - time.Second)
	assert.Equal(t, 1, c.ChannelStats("general").Count)

	*now = now.Add(time.Second)
	assert.Equal(t, 0, c.ChannelStats("general").Count)
	assert.Empty(t, c.AllStats())
}

func TestExpiryFreesSlotsForNewShares(t *testing.T) {
	c, now := newTestController()

	for _, client := range []string{"alice", "bob", "carol"} {
		require.True(t, c.Request("general", client, client, Quality1080p60).Granted)
	}
	require.False(t, c.Request("general", "dave", "dave", Quality1080p60).Granted)

	*now = now.Add(4 * time.Hour)
	d := c.Request("general", "dave", "dave", Quality1080p60)
	assert.True(t, d.Granted)
	assert.Equal(t, 1, c.ChannelStats("general").Count)
}

func TestChannelStats_ListsSharesOldestFirst(t *testing.T) {
	c, now := newTestController()

	c.Request("general", "bob", "bob", Quality720p60)
	*now = now.Add(time.Minute)
	c.Request("general", "alice", "alice", Quality1080p30)

	stats := c.ChannelStats("general")
	require.Equal(t, 2, stats.Count)
	assert.Equal(t, "bob", stats.Shares[0].ClientId)
	assert.Equal(t, "alice", stats.Shares[1].ClientId)
	assert.InDelta(t, 6.0, stats.UsedMbps, 0.001)
	assert.InDelta(t, 15.0, stats.BudgetMbps, 0.001)
	assert.InDelta(t, 9.0, stats.RemainingMbps, 0.001)
}

func TestAllStats_SortedByChannelName(t *testing.T) {
	c, _ := newTestController()

	c.Request("zeta", "alice", "alice", Quality720p30)
	c.Request("alpha", "bob", "bob", Quality720p30)

	all := c.AllStats()
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].Channel)
	assert.Equal(t, "zeta", all[1].Channel)
}

func TestParseQuality(t *testing.T) {
	q, ok := ParseQuality("1080p60")
	assert.True(t, ok)
	assert.Equal(t, Quality1080p60, q)

	_, ok = ParseQuality("potato")
	assert.False(t, ok)

	_, ok = ParseQuality("")
	assert.False(t, ok)
}
