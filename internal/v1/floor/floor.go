// Package floor arbitrates screen-share slots per voice channel. Each
// channel carries a fixed bandwidth budget and a cap on concurrent shares;
// requests are granted at the best quality tier the remaining budget
// allows, downgrading before denying.
package floor

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vibespeak/realtime/internal/v1/logging"
	"github.com/vibespeak/realtime/internal/v1/metrics"
)

const (
	maxConcurrentShares = 3
	budgetMbps          = 15.0
	maxShareDuration    = 4 * time.Hour
)

// Deny reasons surfaced to clients in screen-share-denied messages.
const (
	DenyMaxShares = "maximum reached"
	DenyBudget    = "budget exhausted"
)

// Quality is a screen-share encoding tier.
type Quality string

const (
	Quality1080p60 Quality = "1080p60"
	Quality1080p30 Quality = "1080p30"
	Quality720p60  Quality = "720p60"
	Quality720p30  Quality = "720p30"
	Quality480p30  Quality = "480p30"

	// QualityDefault is assumed when a request names no known tier.
	QualityDefault = Quality720p30
)

// tiers in descending priority; downgrades walk this order.
var tiers = []Quality{Quality1080p60, Quality1080p30, Quality720p60, Quality720p30, Quality480p30}

var tierMbps = map[Quality]float64{
	Quality1080p60: 5.0,
	Quality1080p30: 3.5,
	Quality720p60:  2.5,
	Quality720p30:  1.5,
	Quality480p30:  0.8,
}

// Mbps returns the tier's estimated bitrate, or 0 for an unknown tier.
func (q Quality) Mbps() float64 {
	return tierMbps[q]
}

// ParseQuality maps a wire string onto a known tier.
func ParseQuality(s string) (Quality, bool) {
	q := Quality(s)
	_, ok := tierMbps[q]
	return q, ok
}

// Share is one active screen share.
type Share struct {
	ClientId  string    `json:"clientId"`
	Username  string    `json:"username"`
	Quality   Quality   `json:"quality"`
	Mbps      float64   `json:"mbps"`
	StartedAt time.Time `json:"startedAt"`
}

// Decision is the outcome of an admission request.
type Decision struct {
	Granted bool    `json:"granted"`
	Quality Quality `json:"quality,omitempty"`
	Mbps    float64 `json:"mbps,omitempty"`
	Reason  string  `json:"reason,omitempty"`
}

// ChannelStats snapshots one channel's floor state.
type ChannelStats struct {
	Channel       string  `json:"channel"`
	UsedMbps      float64 `json:"usedMbps"`
	BudgetMbps    float64 `json:"budgetMbps"`
	RemainingMbps float64 `json:"remainingMbps"`
	Count         int     `json:"count"`
	Shares        []Share `json:"shares"`
}

// Controller tracks active shares across channels. Safe for concurrent use.
type Controller struct {
	mu       sync.Mutex
	channels map[string]map[string]*Share

	now func() time.Time
}

func NewController() *Controller {
	return &Controller{
		channels: make(map[string]map[string]*Share),
		now:      time.Now,
	}
}

// Request runs admission for one screen-share ask. A client re-requesting
// in a channel where it already shares renegotiates: its old share is
// released before admission, so a quality change never competes with
// itself for budget.
func (c *Controller) Request(channel, clientId, username string, desired Quality) Decision {
	if desired.Mbps() == 0 {
		desired = QualityDefault
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(channel)
	shares := c.channels[channel]
	if _, ok := shares[clientId]; ok {
		delete(shares, clientId)
	}

	if len(shares) >= maxConcurrentShares {
		metrics.FloorDecisions.WithLabelValues("denied_max_shares").Inc()
		logging.Info(context.Background(), "Screen share denied",
			zap.String("channel", channel),
			zap.String("clientId", clientId),
			zap.String("reason", DenyMaxShares))
		return Decision{Reason: DenyMaxShares}
	}

	used := usedMbps(shares)
	remaining := budgetMbps - used
	if remaining <= Quality480p30.Mbps() {
		metrics.FloorDecisions.WithLabelValues("denied_budget").Inc()
		logging.Info(context.Background(), "Screen share denied",
			zap.String("channel", channel),
			zap.String("clientId", clientId),
			zap.Float64("remainingMbps", remaining),
			zap.String("reason", DenyBudget))
		return Decision{Reason: DenyBudget}
	}

	assigned := desired
	if assigned.Mbps() > remaining {
		assigned = Quality480p30
		for _, tier := range tiers {
			if tier.Mbps() <= remaining {
				assigned = tier
				break
			}
		}
	}

	if shares == nil {
		shares = make(map[string]*Share)
		c.channels[channel] = shares
	}
	shares[clientId] = &Share{
		ClientId:  clientId,
		Username:  username,
		Quality:   assigned,
		Mbps:      assigned.Mbps(),
		StartedAt: c.now(),
	}
	c.updateGaugesLocked(channel)

	metrics.FloorDecisions.WithLabelValues("granted").Inc()
	logging.Info(context.Background(), "Screen share granted",
		zap.String("channel", channel),
		zap.String("clientId", clientId),
		zap.String("quality", string(assigned)),
		zap.Float64("mbps", assigned.Mbps()))
	return Decision{Granted: true, Quality: assigned, Mbps: assigned.Mbps()}
}

// Release stops the client's share in the channel. Returns false when the
// client held none.
func (c *Controller) Release(channel, clientId string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(channel)
	shares := c.channels[channel]
	if _, ok := shares[clientId]; !ok {
		return false
	}
	delete(shares, clientId)
	c.updateGaugesLocked(channel)
	if len(shares) == 0 {
		delete(c.channels, channel)
	}
	logging.Info(context.Background(), "Screen share released",
		zap.String("channel", channel),
		zap.String("clientId", clientId))
	return true
}

// ReleaseAll drops every share the client holds in any channel. Called on
// disconnect. Returns the number of shares released.
func (c *Controller) ReleaseAll(clientId string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	released := 0
	for channel, shares := range c.channels {
		c.pruneChannelLocked(channel)
		if _, ok := shares[clientId]; ok {
			delete(shares, clientId)
			c.updateGaugesLocked(channel)
			released++
		}
		if len(shares) == 0 {
			delete(c.channels, channel)
		}
	}
	return released
}

// ChannelStats snapshots one channel.
func (c *Controller) ChannelStats(channel string) ChannelStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(channel)
	return c.statsLocked(channel)
}

// AllStats snapshots every channel with at least one active share, sorted
// by channel name.
func (c *Controller) AllStats() []ChannelStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ChannelStats, 0, len(c.channels))
	for channel := range c.channels {
		c.pruneChannelLocked(channel)
		if len(c.channels[channel]) == 0 {
			continue
		}
		out = append(out, c.statsLocked(channel))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// pruneLocked expires overdue shares in one channel and drops the channel
// map once empty.
func (c *Controller) pruneLocked(channel string) {
	c.pruneChannelLocked(channel)
	if len(c.channels[channel]) == 0 {
		delete(c.channels, channel)
	}
}

func (c *Controller) pruneChannelLocked(channel string) {
	shares := c.channels[channel]
	if len(shares) == 0 {
		return
	}
	now := c.now()
	for clientId, s := range shares {
		if now.Sub(s.StartedAt) >= maxShareDuration {
			delete(shares, clientId)
			c.updateGaugesLocked(channel)
			logging.Info(context.Background(), "Screen share expired",
				zap.String("channel", channel),
				zap.String("clientId", clientId),
				zap.Duration("age", now.Sub(s.StartedAt)))
		}
	}
}

func (c *Controller) statsLocked(channel string) ChannelStats {
	shares := c.channels[channel]
	used := usedMbps(shares)
	stats := ChannelStats{
		Channel:       channel,
		UsedMbps:      used,
		BudgetMbps:    budgetMbps,
		RemainingMbps: budgetMbps - used,
		Count:         len(shares),
		Shares:        make([]Share, 0, len(shares)),
	}
	for _, s := range shares {
		stats.Shares = append(stats.Shares, *s)
	}
	sort.Slice(stats.Shares, func(i, j int) bool {
		if stats.Shares[i].StartedAt.Equal(stats.Shares[j].StartedAt) {
			return stats.Shares[i].ClientId < stats.Shares[j].ClientId
		}
		return stats.Shares[i].StartedAt.Before(stats.Shares[j].StartedAt)
	})
	return stats
}

func (c *Controller) updateGaugesLocked(channel string) {
	shares := c.channels[channel]
	if len(shares) == 0 {
		metrics.ActiveScreenShares.DeleteLabelValues(channel)
		metrics.FloorBandwidthUsed.DeleteLabelValues(channel)
		return
	}
	metrics.ActiveScreenShares.WithLabelValues(channel).Set(float64(len(shares)))
	metrics.FloorBandwidthUsed.WithLabelValues(channel).Set(usedMbps(shares))
}

func usedMbps(shares map[string]*Share) float64 {
	used := 0.0
	for _, s := range shares {
		used += s.Mbps
	}
	return used
}
