// ShopMirror - Differential Catalog Synchronization Engine
// Copyright 2026 ShopMirror Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncforge/shopmirror

// Package state persists export sessions and per-item retry attempts in an
// embedded BadgerDB store, so an interrupted run can resume where it
// stopped.
package state

import (
	"errors"
	"fmt"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/syncforge/shopmirror/internal/config"
	"github.com/syncforge/shopmirror/internal/logging"
	"github.com/syncforge/shopmirror/internal/models"
)

// Key namespaces. Sessions and retry attempts share one store under
// distinct prefixes.
const (
	sessionPrefix = "session:"
	retryPrefix   = "retry:"
	latestKey     = "meta:latest-session"
)

// ErrCorruptSnapshot marks a persisted session that no longer decodes. The
// caller treats it as "no prior session" rather than failing the run.
var ErrCorruptSnapshot = errors.New("corrupt session snapshot")

// ErrNotFound is returned when no record exists under the requested key.
var ErrNotFound = errors.New("state record not found")

// Store is the durable session and retry-attempt store.
type Store struct {
	db *badger.DB
}

// Open creates or reopens the store at the configured path.
func Open(cfg *config.StateConfig) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("sync_writes", cfg.SyncWrites).
		Msg("State store opened")
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession writes a session snapshot and records it as the most recent.
func (s *Store) SaveSession(sess *models.ExportSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.SessionID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(sessionPrefix+sess.SessionID), data); err != nil {
			return err
		}
		return txn.Set([]byte(latestKey), []byte(sess.SessionID))
	})
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.SessionID, err)
	}
	return nil
}

// LoadSession reads one session by ID. A snapshot that exists but fails to
// decode returns ErrCorruptSnapshot.
func (s *Store) LoadSession(id string) (*models.ExportSession, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(sessionPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}

	var sess models.ExportSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		logging.Warn().
			Str("session_id", id).
			Err(err).
			Msg("Session snapshot failed to decode, treating as absent")
		return nil, ErrCorruptSnapshot
	}
	return &sess, nil
}

// LatestResumable returns the most recently saved session when it was left
// in a resumable state. A missing or corrupt latest session yields
// ErrNotFound so the caller starts fresh.
func (s *Store) LatestResumable() (*models.ExportSession, error) {
	var id string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(latestKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		id = string(raw)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load latest session pointer: %w", err)
	}

	sess, err := s.LoadSession(id)
	if errors.Is(err, ErrCorruptSnapshot) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !sess.Resumable() {
		return nil, ErrNotFound
	}
	return sess, nil
}

// ListSessions returns all persisted sessions, newest first. Corrupt
// snapshots are skipped with a warning.
func (s *Store) ListSessions() ([]*models.ExportSession, error) {
	var sessions []*models.ExportSession
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(sessionPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var sess models.ExportSession
			if err := json.Unmarshal(raw, &sess); err != nil {
				logging.Warn().
					Str("key", string(item.Key())).
					Err(err).
					Msg("Skipping undecodable session snapshot")
				continue
			}
			sessions = append(sessions, &sess)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sortSessionsNewestFirst(sessions)
	return sessions, nil
}

// DeleteSession removes one session snapshot.
func (s *Store) DeleteSession(id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(sessionPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// retryRecord is the persisted per-item attempt state.
type retryRecord struct {
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RecordAttempt increments the persisted attempt count for an item and
// returns the new count.
func (s *Store) RecordAttempt(itemKey, lastError string) (int, error) {
	key := []byte(retryPrefix + itemKey)
	attempts := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		var rec retryRecord
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			// first failure
		case err != nil:
			return err
		default:
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(raw, &rec); err != nil {
				rec = retryRecord{}
			}
		}

		rec.Attempts++
		rec.LastError = lastError
		rec.UpdatedAt = time.Now().UTC()
		attempts = rec.Attempts

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return 0, fmt.Errorf("record attempt for %s: %w", itemKey, err)
	}
	return attempts, nil
}

// Attempts returns the persisted attempt count for an item, zero when none.
func (s *Store) Attempts(itemKey string) (int, error) {
	var attempts int
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(retryPrefix + itemKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		var rec retryRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil
		}
		attempts = rec.Attempts
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("load attempts for %s: %w", itemKey, err)
	}
	return attempts, nil
}

// ClearAttempts removes the attempt record after an item resolves.
func (s *Store) ClearAttempts(itemKey string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(retryPrefix + itemKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("clear attempts for %s: %w", itemKey, err)
	}
	return nil
}

func sortSessionsNewestFirst(sessions []*models.ExportSession) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
}
