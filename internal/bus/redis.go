package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/signalfish/signalserver/internal/logging"
	"github.com/signalfish/signalserver/internal/metrics"
	"go.uber.org/zap"
)

// wireEnvelope is the JSON shape published on the Redis channel.
type wireEnvelope struct {
	RoomID   string          `json:"room_id"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
	SenderID string          `json:"sender_id"`
}

// RedisService fans frames out across instances via Redis pub/sub,
// wrapped in a circuit breaker so a degraded Redis fails open rather
// than blocking every room on this instance.
type RedisService struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewRedisService dials addr and verifies connectivity before
// returning. The circuit breaker trips after repeated publish/ping
// failures and resets automatically after its timeout window.
func NewRedisService(addr, password string) (*RedisService, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis bus: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "bus_redis",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateClosed:
				v = 0
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("bus_redis").Set(v)
		},
	}

	return &RedisService{client: client, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

func channelFor(roomID string) string {
	return fmt.Sprintf("signalfish:room:%s", roomID)
}

// Publish sends env to every other instance subscribed to roomID.
func (s *RedisService) Publish(ctx context.Context, roomID string, env Envelope) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (any, error) {
		msg := wireEnvelope{
			RoomID:   roomID,
			Event:    env.Event,
			Payload:  env.Payload,
			SenderID: env.SenderID,
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal bus envelope: %w", err)
		}
		return nil, s.client.Publish(ctx, channelFor(roomID), data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("bus_redis").Inc()
			logging.Warn(ctx, "bus circuit breaker open, dropping publish", zap.String("room_id", roomID))
			return nil
		}
		logging.Error(ctx, "bus publish failed", zap.String("room_id", roomID), zap.Error(err))
		return err
	}
	return nil
}

// Subscribe starts a background goroutine delivering envelopes
// published for roomID by other instances until ctx is cancelled.
func (s *RedisService) Subscribe(ctx context.Context, roomID string, handler func(Envelope)) {
	if s == nil || s.client == nil {
		return
	}

	pubsub := s.client.Subscribe(ctx, channelFor(roomID))
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var wire wireEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &wire); err != nil {
					logging.Error(ctx, "failed to unmarshal bus envelope", zap.Error(err))
					continue
				}
				handler(Envelope{
					RoomID:   wire.RoomID,
					Event:    wire.Event,
					Payload:  wire.Payload,
					SenderID: wire.SenderID,
				})
			}
		}
	}()
}

// Ping verifies Redis connectivity, used by health readiness checks.
func (s *RedisService) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (any, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("bus_redis").Inc()
	}
	return err
}

var _ Service = (*RedisService)(nil)
