/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package trivia

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Sink is an append-only log of finished games.
type Sink interface {
	Append(ctx context.Context, record Record) error
}

type NopSink struct{}

func (NopSink) Append(context.Context, Record) error { return nil }

// FileSink keeps the history as a single JSON array on disk. A missing,
// unreadable or corrupt file counts as an empty history.
type FileSink struct {
	path string
	mu   sync.Mutex
}

func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

func (s *FileSink) Append(_ context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	history := append(s.load(), entry)

	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}

	return writeFileAtomic(s.path, data)
}

// load returns existing entries verbatim so older record shapes survive.
func (s *FileSink) load() []json.RawMessage {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil
	}

	var history []json.RawMessage
	if err := json.Unmarshal(data, &history); err != nil {
		return nil
	}

	return history
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmp.Name(), err)
	}

	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("setting mode on %s: %w", tmp.Name(), err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}

	return nil
}

// RedisSink pushes each record as JSON onto a Redis list.
type RedisSink struct {
	client *redis.Client
	key    string
}

func NewRedisSink(client *redis.Client, key string) *RedisSink {
	return &RedisSink{client: client, key: key}
}

func (s *RedisSink) Append(ctx context.Context, record Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	if err := s.client.RPush(ctx, s.key, data).Err(); err != nil {
		return fmt.Errorf("pushing record to %s: %w", s.key, err)
	}

	return nil
}

// Check reports whether Redis is reachable.
func (s *RedisSink) Check(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
