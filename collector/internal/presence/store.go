// Package presence publishes which agents are connected, and when they last
// checked in, to Redis so other processes can see them.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

var ErrNotPresent = errors.New("agent not present")

const keyPrefix = "edamame:presence:"

// AgentPresence is the state stored per agent.
type AgentPresence struct {
	AgentName      string `json:"agent_name"`
	RegistrationID string `json:"registration_id,omitempty"`
	RemoteAddr     string `json:"remote_addr"`
	LastSeen       int64  `json:"last_seen"` // Unix timestamp
	HeartbeatCount int64  `json:"heartbeat_count"`
	LogsProcessed  int64  `json:"logs_processed"`
}

// Store keeps AgentPresence records with a TTL so agents that stop checking
// in disappear on their own.
type Store struct {
	redis *redis.Client
	ttl   time.Duration
}

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 3 * time.Minute
	}
	return &Store{redis: client, ttl: ttl}
}

// Touch writes p and refreshes its TTL.
func (s *Store) Touch(ctx context.Context, p AgentPresence) error {
	if p.LastSeen == 0 {
		p.LastSeen = time.Now().Unix()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}
	if err := s.redis.Set(ctx, key(p.AgentName), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save presence: %w", err)
	}
	return nil
}

// Get returns the presence record of agentName.
func (s *Store) Get(ctx context.Context, agentName string) (*AgentPresence, error) {
	data, err := s.redis.Get(ctx, key(agentName)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotPresent
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}

	var p AgentPresence
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal presence: %w", err)
	}
	return &p, nil
}

// Remove deletes the presence record of agentName.
func (s *Store) Remove(ctx context.Context, agentName string) error {
	if err := s.redis.Del(ctx, key(agentName)).Err(); err != nil {
		return fmt.Errorf("failed to remove presence: %w", err)
	}
	return nil
}

// List returns every present agent.
func (s *Store) List(ctx context.Context) ([]AgentPresence, error) {
	var out []AgentPresence
	iter := s.redis.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.redis.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue // expired between scan and get
		}
		var p AgentPresence
		if err := json.Unmarshal(data, &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan presence keys: %w", err)
	}
	return out, nil
}

// Ping checks the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

func key(agentName string) string {
	return keyPrefix + agentName
}
