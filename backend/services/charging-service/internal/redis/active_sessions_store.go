package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned when no session is cached for a point.
var ErrMiss = errors.New("redisstore: cache miss")

// ActiveSession stored in redis for quick access by charging point.
type ActiveSession struct {
	SessionID    string     `json:"session_id"`
	BookingID    string     `json:"booking_id"`
	PointID      string     `json:"point_id"`
	DriverID     string     `json:"driver_id"`
	MeterStartWh int64      `json:"meter_start_wh"`
	StartTime    *time.Time `json:"start_time,omitempty"`
}

// Store manages active session cache.
type Store struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewStore returns redis-backed store. A zero ttl keeps entries until deleted.
func NewStore(client redis.Cmdable, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

func (s *Store) key(pointID string) string {
	return fmt.Sprintf("charging:active:point:%s", pointID)
}

// Save caches session under its point.
func (s *Store) Save(ctx context.Context, session ActiveSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(session.PointID), data, s.ttl).Err()
}

// Get returns the session cached for pointID or ErrMiss.
func (s *Store) Get(ctx context.Context, pointID string) (*ActiveSession, error) {
	result, err := s.client.Get(ctx, s.key(pointID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	var session ActiveSession
	if err := json.Unmarshal([]byte(result), &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Delete removes the entry of pointID.
func (s *Store) Delete(ctx context.Context, pointID string) error {
	err := s.client.Del(ctx, s.key(pointID)).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}
