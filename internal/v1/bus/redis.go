// Package bus provides distributed pub/sub and presence state over Redis.
//
// Every operation is nil-safe: a nil *Service (Redis disabled) degrades to
// single-instance mode where publishes and presence writes are no-ops. All
// Redis calls run through a circuit breaker so a dead Redis cannot stall the
// signaling or media planes.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/vibespeak/realtime/internal/v1/logging"
	"github.com/vibespeak/realtime/internal/v1/metrics"
)

// eventsTopic carries every cross-instance signaling envelope. The hub on each
// instance subscribes once and fans out locally; room filtering happens at the
// subscriber.
const eventsTopic = "signaling:events"

// Presence set keys.
const (
	OnlineUsersKey = "presence:online"
	voiceKeyPrefix = "presence:voice:"
)

// VoiceChannelKey returns the presence set key mirroring a voice channel's
// occupancy.
func VoiceChannelKey(channel string) string {
	return voiceKeyPrefix + channel
}

// Payload is the standardized envelope for moving signaling events between
// instances.
type Payload struct {
	RoomId   string          `json:"roomId,omitempty"`   // Room scope; empty for direct or global sends
	TargetId string          `json:"targetId,omitempty"` // User scope for direct sends
	Event    string          `json:"event"`              // The event type (e.g. "chat-message", "admin-notice")
	Data     json.RawMessage `json:"data,omitempty"`     // The actual envelope to fan out
	SenderId string          `json:"senderId,omitempty"` // Origin instance id, used to prevent echo
	SentAt   int64           `json:"sentAt"`
}

// Service handles all interaction with Redis.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService creates a Redis connection and verifies it with a ping.
func NewService(addr, password string, db int) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	// Ping to verify connection immediately
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	logging.Info(ctx, "connected to Redis", zap.String("addr", addr))
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// Publish broadcasts an envelope to all other instances. Breaker-open and
// single-instance mode both drop silently; callers already delivered locally.
func (s *Service) Publish(ctx context.Context, p Payload) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		if p.SentAt == 0 {
			p.SentAt = time.Now().UnixMilli()
		}
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pubsub envelope: %w", err)
		}
		return nil, s.client.Publish(ctx, eventsTopic, data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "redis circuit breaker open, dropping publish", zap.String("event", p.Event))
			return nil // Graceful degradation: drop message, don't crash caller
		}
		metrics.BusPublishErrors.Inc()
		logging.Error(ctx, "redis publish failed", zap.String("event", p.Event), zap.Error(err))
		return err
	}

	return nil
}

// Subscribe starts a background goroutine that listens for envelopes from
// other instances and hands each one to handler. The loop exits when ctx is
// cancelled.
func (s *Service) Subscribe(ctx context.Context, wg *sync.WaitGroup, handler func(Payload)) {
	if s == nil || s.client == nil {
		return // Single-instance mode, no Redis available
	}

	// Subscriptions are long-lived and don't fit a request/response breaker;
	// connection failures surface as a closed channel below.
	pubsub := s.client.Subscribe(ctx, eventsTopic)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		logging.Info(ctx, "subscribed to Redis topic", zap.String("topic", eventsTopic))

		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(ctx, "redis subscription channel closed", zap.String("topic", eventsTopic))
					return
				}

				var payload Payload
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					logging.Error(ctx, "failed to unmarshal redis message", zap.Error(err))
					continue
				}

				handler(payload)
			}
		}
	}()
}

// Ping checks Redis connectivity. Used by readiness checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close gracefully shuts down the Redis connection
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}
	return s.client.Close()
}

// SetAdd adds a member to a Redis Set. Used for presence state.
func (s *Service) SetAdd(ctx context.Context, key string, member string) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SAdd(ctx, key, member).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "redis circuit breaker open, skipping SetAdd", zap.String("key", key))
			return nil // Graceful degradation
		}
		logging.Error(ctx, "redis SetAdd failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to add to set: %w", err)
	}
	return nil
}

// SetRem removes a member from a Redis Set.
func (s *Service) SetRem(ctx context.Context, key string, member string) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SRem(ctx, key, member).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "redis circuit breaker open, skipping SetRem", zap.String("key", key))
			return nil // Graceful degradation
		}
		logging.Error(ctx, "redis SetRem failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to remove from set: %w", err)
	}
	return nil
}

// SetMembers retrieves all members of a Redis Set.
func (s *Service) SetMembers(ctx context.Context, key string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil // Single-instance mode, no Redis available
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SMembers(ctx, key).Result()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "redis circuit breaker open, returning empty set members", zap.String("key", key))
			return nil, nil // Graceful degradation: callers still have local state
		}
		logging.Error(ctx, "redis SetMembers failed", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("failed to get set members: %w", err)
	}
	return res.([]string), nil
}
