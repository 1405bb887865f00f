package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TIANLI0/TumorLens/config"
	"github.com/TIANLI0/TumorLens/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ScanEntry 跨视图持久化的扫描条目，URL 为原始字节的 data URL
type ScanEntry struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// SessionStore 按会话保存扫描与掩码两个键
type SessionStore interface {
	// SaveScan 先删除旧的扫描与掩码条目再写入新扫描
	SaveScan(ctx context.Context, sessionID string, entry ScanEntry) error
	LoadScan(ctx context.Context, sessionID string) (*ScanEntry, error)
	SaveMask(ctx context.Context, sessionID, dataURL string) error
	LoadMask(ctx context.Context, sessionID string) (string, error)
	Clear(ctx context.Context, sessionID string) error
}

func scanKey(sessionID string) string { return "scan:" + sessionID }
func maskKey(sessionID string) string { return "mask:" + sessionID }

type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSessionStore(cfg *config.RedisConfig) *RedisSessionStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &RedisSessionStore{
		client: client,
		ttl:    cfg.TTL,
	}
}

func (s *RedisSessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisSessionStore) SaveScan(ctx context.Context, sessionID string, entry ScanEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, scanKey(sessionID), maskKey(sessionID))
		pipe.Set(ctx, scanKey(sessionID), data, s.ttl)
		return nil
	})
	return err
}

// LoadScan 条目缺失或损坏时返回 ErrStorageUnavailable
func (s *RedisSessionStore) LoadScan(ctx context.Context, sessionID string) (*ScanEntry, error) {
	data, err := s.client.Get(ctx, scanKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrStorageUnavailable
		}
		return nil, err
	}

	var entry ScanEntry
	if err := json.Unmarshal(data, &entry); err != nil || entry.URL == "" {
		utils.Logger.Error("corrupt scan entry",
			zap.String("session", sessionID), zap.Error(err))
		return nil, fmt.Errorf("%w: corrupt scan entry", ErrStorageUnavailable)
	}
	return &entry, nil
}

func (s *RedisSessionStore) SaveMask(ctx context.Context, sessionID, dataURL string) error {
	return s.client.Set(ctx, maskKey(sessionID), dataURL, s.ttl).Err()
}

func (s *RedisSessionStore) LoadMask(ctx context.Context, sessionID string) (string, error) {
	url, err := s.client.Get(ctx, maskKey(sessionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrStorageUnavailable
		}
		return "", err
	}
	return url, nil
}

func (s *RedisSessionStore) Clear(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, scanKey(sessionID), maskKey(sessionID)).Err()
}

func (s *RedisSessionStore) Close() error {
	return s.client.Close()
}

// MemorySessionStore Redis 不可用时的进程内存储
type MemorySessionStore struct {
	mu    sync.Mutex
	scans map[string]ScanEntry
	masks map[string]string
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		scans: make(map[string]ScanEntry),
		masks: make(map[string]string),
	}
}

func (s *MemorySessionStore) SaveScan(_ context.Context, sessionID string, entry ScanEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scans, sessionID)
	delete(s.masks, sessionID)
	s.scans[sessionID] = entry
	return nil
}

func (s *MemorySessionStore) LoadScan(_ context.Context, sessionID string) (*ScanEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.scans[sessionID]
	if !ok {
		return nil, ErrStorageUnavailable
	}
	return &entry, nil
}

func (s *MemorySessionStore) SaveMask(_ context.Context, sessionID, dataURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.masks[sessionID] = dataURL
	return nil
}

func (s *MemorySessionStore) LoadMask(_ context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	url, ok := s.masks[sessionID]
	if !ok {
		return "", ErrStorageUnavailable
	}
	return url, nil
}

func (s *MemorySessionStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scans, sessionID)
	delete(s.masks, sessionID)
	return nil
}
