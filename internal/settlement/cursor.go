package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crossledger/settlement/internal/chain"
	"github.com/redis/go-redis/v9"
)

const (
	redisCursorPrefix    = "settlement:cursor:"
	redisProcessedPrefix = "settlement:processed:"
	processedTTL         = 7 * 24 * time.Hour
)

// CursorStore keeps the per-address poll position and the set of credited deposits.
type CursorStore interface {
	Cursor(ctx context.Context, key chain.Key, address string) (string, error)
	SaveCursor(ctx context.Context, key chain.Key, address, cursor string) error
	// ClaimTx records txRef as handled and reports false if it already was.
	ClaimTx(ctx context.Context, key chain.Key, txRef, outcome string) (bool, error)
	// ReleaseTx forgets a claim whose handling failed so the next poll retries it.
	ReleaseTx(ctx context.Context, key chain.Key, txRef string) error
	// ClaimHolder returns the outcome txRef was claimed with, or "" if unclaimed.
	ClaimHolder(ctx context.Context, key chain.Key, txRef string) (string, error)
}

type RedisCursorStore struct {
	rdb *redis.Client
}

func NewRedisCursorStore(rdb *redis.Client) *RedisCursorStore {
	return &RedisCursorStore{rdb: rdb}
}

func cursorKey(key chain.Key, address string) string {
	return fmt.Sprintf("%s%s:%s", redisCursorPrefix, key, address)
}

func processedKey(key chain.Key, txRef string) string {
	return fmt.Sprintf("%s%s:%s", redisProcessedPrefix, key, txRef)
}

func (s *RedisCursorStore) Cursor(ctx context.Context, key chain.Key, address string) (string, error) {
	val, err := s.rdb.Get(ctx, cursorKey(key, address)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (s *RedisCursorStore) SaveCursor(ctx context.Context, key chain.Key, address, cursor string) error {
	return s.rdb.Set(ctx, cursorKey(key, address), cursor, 0).Err()
}

func (s *RedisCursorStore) ClaimTx(ctx context.Context, key chain.Key, txRef, outcome string) (bool, error) {
	return s.rdb.SetNX(ctx, processedKey(key, txRef), outcome, processedTTL).Result()
}

func (s *RedisCursorStore) ReleaseTx(ctx context.Context, key chain.Key, txRef string) error {
	return s.rdb.Del(ctx, processedKey(key, txRef)).Err()
}

func (s *RedisCursorStore) ClaimHolder(ctx context.Context, key chain.Key, txRef string) (string, error) {
	val, err := s.rdb.Get(ctx, processedKey(key, txRef)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

// MemoryCursorStore is the in-process CursorStore used when Redis is not configured.
type MemoryCursorStore struct {
	mu        sync.Mutex
	cursors   map[string]string
	processed map[string]string
}

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[string]string), processed: make(map[string]string)}
}

func (s *MemoryCursorStore) Cursor(_ context.Context, key chain.Key, address string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[cursorKey(key, address)], nil
}

func (s *MemoryCursorStore) SaveCursor(_ context.Context, key chain.Key, address, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[cursorKey(key, address)] = cursor
	return nil
}

func (s *MemoryCursorStore) ClaimTx(_ context.Context, key chain.Key, txRef, outcome string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := processedKey(key, txRef)
	if _, ok := s.processed[k]; ok {
		return false, nil
	}
	s.processed[k] = outcome
	return true, nil
}

func (s *MemoryCursorStore) ReleaseTx(_ context.Context, key chain.Key, txRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.processed, processedKey(key, txRef))
	return nil
}

func (s *MemoryCursorStore) ClaimHolder(_ context.Context, key chain.Key, txRef string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed[processedKey(key, txRef)], nil
}
