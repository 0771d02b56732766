// Package database manages the bbolt file that stores the change journal
package database

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	pperrors "github.com/pulsepoint/pulsetree/pkg/errors"
	"github.com/pulsepoint/pulsetree/pkg/logger"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Database buckets
const (
	// BucketSessions stores one SessionInfo per serve session
	BucketSessions = "sessions"

	// BucketJournal holds a nested bucket of change records per session
	BucketJournal = "journal"
)

// Manager manages the BoltDB database connection
type Manager struct {
	DB      *bolt.DB // Exported for direct access
	path    string
	logger  *zap.Logger
	mu      sync.RWMutex
	isOpen  bool
	options *Options
}

// Options represents database options
type Options struct {
	Path     string        `json:"path"`
	FileMode uint32        `json:"file_mode"`
	Timeout  time.Duration `json:"timeout"`
	ReadOnly bool          `json:"read_only"`
	NoSync   bool          `json:"no_sync"`
}

// DefaultOptions returns default database options
func DefaultOptions() *Options {
	return &Options{
		Path:     filepath.Join(".pulsetree", "journal.db"),
		FileMode: 0600,
		Timeout:  1 * time.Second,
	}
}

// NewManager creates a new database manager
func NewManager(options *Options) (*Manager, error) {
	if options == nil {
		options = DefaultOptions()
	}
	if options.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	return &Manager{
		path:    options.Path,
		logger:  logger.WithComponent("database"),
		options: options,
	}, nil
}

// Path returns the database file location
func (m *Manager) Path() string {
	return m.path
}

// Open opens the database connection
func (m *Manager) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isOpen {
		return nil
	}

	if m.options.ReadOnly {
		// bbolt cannot create a file it may not write
		if _, err := os.Stat(m.path); err != nil {
			return pperrors.NewDatabaseError(fmt.Sprintf("journal %s is not readable", m.path), err)
		}
	} else if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return pperrors.NewDatabaseError("failed to create database directory", err)
	}

	db, err := bolt.Open(m.path, os.FileMode(m.options.FileMode), &bolt.Options{
		Timeout:  m.options.Timeout,
		ReadOnly: m.options.ReadOnly,
		NoSync:   m.options.NoSync,
	})
	if err != nil {
		return pperrors.NewDatabaseError(fmt.Sprintf("failed to open journal %s", m.path), err)
	}

	m.DB = db
	m.isOpen = true

	if !m.options.ReadOnly {
		if err := m.initBuckets(); err != nil {
			m.DB.Close()
			m.isOpen = false
			return pperrors.NewDatabaseError("failed to initialize buckets", err)
		}
	}

	m.logger.Info("Database opened successfully", zap.String("path", m.path))
	return nil
}

// Close closes the database connection
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isOpen || m.DB == nil {
		return nil
	}

	if err := m.DB.Close(); err != nil {
		return pperrors.NewDatabaseError("failed to close database", err)
	}

	m.isOpen = false
	m.logger.Info("Database closed successfully")
	return nil
}

func (m *Manager) initBuckets() error {
	return m.DB.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{BucketSessions, BucketJournal} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

// IsOpen checks if the database is open
func (m *Manager) IsOpen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isOpen
}

// Transaction executes a function within a database transaction
func (m *Manager) Transaction(writable bool, fn func(*bolt.Tx) error) error {
	if !m.IsOpen() {
		return fmt.Errorf("database is not open")
	}

	if writable {
		return m.DB.Update(fn)
	}
	return m.DB.View(fn)
}

// Put stores a JSON value in a top-level bucket
func (m *Manager) Put(bucket, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	return m.Transaction(true, func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}
		return b.Put([]byte(key), data)
	})
}

// Get retrieves a JSON value from a top-level bucket
func (m *Manager) Get(bucket, key string, value interface{}) error {
	return m.Transaction(false, func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}

		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("key %s not found in bucket %s", key, bucket)
		}

		return json.Unmarshal(data, value)
	})
}

// List lists all keys in a top-level bucket
func (m *Manager) List(bucket string) ([]string, error) {
	var keys []string

	err := m.Transaction(false, func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})

	return keys, err
}

// Stats returns database statistics
func (m *Manager) Stats() (*bolt.Stats, error) {
	if !m.IsOpen() {
		return nil, fmt.Errorf("database is not open")
	}

	stats := m.DB.Stats()
	return &stats, nil
}
