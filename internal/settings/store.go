// Package settings persists slideshow preferences in a BoltDB database.
// Each settings group is a bucket; every value is stored as a plain string.
package settings

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/adrg/xdg"
	bolt "go.etcd.io/bbolt"
)

const (
	dbFileName   = "gvslide_settings.db"
	appName      = "gvslide"
	DefaultGroup = "slideshow"
)

// ErrNotFound is returned by Get for a key that was never set.
var ErrNotFound = errors.New("setting not found")

// LoggerFunc defines a function signature for logging messages.
type LoggerFunc func(message string)

// Store manages the settings database.
type Store struct {
	db     *bolt.DB
	logger LoggerFunc
}

// DefaultDir is where the database lives when no directory is given.
func DefaultDir() string {
	return filepath.Join(xdg.DataHome, appName)
}

// Open creates or opens the settings database file in dbDir.
// An empty dbDir means DefaultDir. A dbDir ending in ".db" is used as the file itself.
func Open(dbDir string, logger LoggerFunc) (*Store, error) {
	if dbDir == "" {
		dbDir = DefaultDir()
	}
	dbPath := filepath.Join(dbDir, dbFileName)
	if filepath.Ext(dbDir) == ".db" {
		dbPath = dbDir
		dbDir = filepath.Dir(dbDir)
	}
	if err := os.MkdirAll(dbDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create settings directory %s: %w", dbDir, err)
	}

	s := &Store{logger: logger}
	s.logMessage("Using settings database at: %s", dbPath)

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open settings database %s: %w", dbPath, err)
	}
	s.db = db
	return s, nil
}

func (s *Store) logMessage(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger(fmt.Sprintf(format, args...))
	} else {
		log.Printf(format, args...)
	}
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Get returns the value stored for key in group, or ErrNotFound.
func (s *Store) Get(group, key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(group))
		if bucket == nil {
			return ErrNotFound
		}
		v := bucket.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		value = string(v)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", err
		}
		return "", fmt.Errorf("reading %s/%s: %w", group, key, err)
	}
	return value, nil
}

// Set stores value for key in group.
func (s *Store) Set(group, key, value string) error {
	return s.SetAll(group, map[string]string{key: value})
}

// SetAll stores several keys of one group in a single transaction.
func (s *Store) SetAll(group string, values map[string]string) error {
	if group == "" {
		return fmt.Errorf("settings group cannot be empty")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(group))
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", group, err)
		}
		for k, v := range values {
			if k == "" {
				return fmt.Errorf("setting key cannot be empty")
			}
			if err := bucket.Put([]byte(k), []byte(v)); err != nil {
				return fmt.Errorf("failed to put %s/%s: %w", group, k, err)
			}
		}
		return nil
	})
}

// Delete removes key from group. Deleting a missing key is not an error.
func (s *Store) Delete(group, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(group))
		if bucket == nil {
			return nil
		}
		if err := bucket.Delete([]byte(key)); err != nil {
			return fmt.Errorf("failed to delete %s/%s: %w", group, key, err)
		}
		return nil
	})
}

// DeleteGroup removes every key of group.
func (s *Store) DeleteGroup(group string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(group)) == nil {
			return nil
		}
		return tx.DeleteBucket([]byte(group))
	})
}

// All returns every key/value pair of group.
func (s *Store) All(group string) (map[string]string, error) {
	values := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(group))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			values[string(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read group %s: %w", group, err)
	}
	return values, nil
}

// Groups returns the sorted names of all groups.
func (s *Store) Groups() ([]string, error) {
	var groups []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			groups = append(groups, string(name))
			return nil
		})
	})
	sort.Strings(groups)
	return groups, err
}
