// Package servetest runs a complete serve session against a temporary copy
// of a project and talks to it over HTTP, the way a client would.
package servetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pulsepoint/pulsetree/internal/changelog"
	"github.com/pulsepoint/pulsetree/internal/fetcher/ignore"
	"github.com/pulsepoint/pulsetree/internal/fetcher/local"
	"github.com/pulsepoint/pulsetree/internal/session"
	"github.com/pulsepoint/pulsetree/internal/web"
	"github.com/pulsepoint/pulsetree/pkg/models"
	"github.com/stretchr/testify/require"
)

// startAttempts bounds retries when an allocated port is taken by another
// process
const startAttempts = 5

// Options configures Start
type Options struct {
	// Fixture is copied into the project directory first
	Fixture fs.FS

	// Files are written after the fixture, keyed by slash separated path
	Files map[string]string

	// Project is the manifest path relative to the project directory.
	// Defaults to the directory itself.
	Project string

	Debounce      time.Duration
	BatchWindow   time.Duration
	SubscribeWait time.Duration

	// Journal, when set, receives every appended record
	Journal changelog.Journal
}

// Server is a running session plus its HTTP server
type Server struct {
	// Dir is the temporary project directory
	Dir string

	Session *session.ServeSession
	HTTP    *web.Server
	BaseURL string

	client *http.Client
}

// APIError is a non-200 protocol response
type APIError struct {
	Status int
	web.ErrorResponse
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Kind, e.Details)
}

// Start copies the fixture into a temporary directory, starts a session on
// it and serves it on a port from Ports. Everything is stopped when the
// test ends.
func Start(t testing.TB, opts Options) *Server {
	t.Helper()

	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	if opts.Fixture != nil {
		require.NoError(t, os.CopyFS(dir, opts.Fixture))
	}
	for name, contents := range opts.Files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	}

	if opts.Debounce == 0 {
		opts.Debounce = 10 * time.Millisecond
	}
	if opts.BatchWindow == 0 {
		opts.BatchWindow = 10 * time.Millisecond
	}
	if opts.SubscribeWait == 0 {
		opts.SubscribeWait = 2 * time.Second
	}

	matcher := ignore.NewPulseIgnoreMatcher(dir)
	watcher, err := local.NewPulseFetcher(local.Options{
		DebouncePeriod: opts.Debounce,
		Ignore:         matcher,
	})
	require.NoError(t, err)

	sessOpts := session.Options{
		ServerVersion: "test",
		BatchWindow:   opts.BatchWindow,
		Ignore:        matcher,
		Journal:       opts.Journal,
	}

	sess, err := session.New(watcher, filepath.Join(dir, filepath.FromSlash(opts.Project)), sessOpts)
	if err != nil {
		watcher.Close()
		require.NoError(t, err)
	}
	require.NoError(t, sess.Start(context.Background()))

	s := &Server{
		Dir:     dir,
		Session: sess,
		client:  &http.Client{Timeout: opts.SubscribeWait + 5*time.Second},
	}

	for attempt := 0; ; attempt++ {
		port := Ports.Next()
		srv := web.NewServer(sess, &web.Config{
			Address:        "127.0.0.1",
			Port:           port,
			SubscribeWait:  opts.SubscribeWait,
			MetricsEnabled: true,
		})
		err := srv.Start()
		if err == nil {
			s.HTTP = srv
			s.BaseURL = "http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
			break
		}
		if attempt+1 >= startAttempts {
			_ = sess.Stop()
			require.NoError(t, err)
		}
	}

	t.Cleanup(func() {
		_ = s.HTTP.Stop()
		_ = s.Session.Stop()
	})

	require.NoError(t, s.WaitToComeOnline(5*time.Second))
	return s
}

// WaitToComeOnline polls the info endpoint until it answers or timeout
// passes
func (s *Server) WaitToComeOnline(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		_, err := s.GetInfo()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server at %s did not come online: %w", s.BaseURL, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// GetInfo calls /api/rojo
func (s *Server) GetInfo() (*web.ServerInfoResponse, error) {
	var info web.ServerInfoResponse
	if err := s.get("/api/rojo", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Read calls /api/read for ids
func (s *Server) Read(ids ...models.InstanceID) (*web.ReadResponse, error) {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}

	var read web.ReadResponse
	if err := s.get("/api/read/"+strings.Join(parts, ","), &read); err != nil {
		return nil, err
	}
	return &read, nil
}

// Subscribe calls /api/subscribe with cursor and blocks until records
// arrive or the server's wait passes
func (s *Server) Subscribe(cursor uint64) (*web.SubscribeResponse, error) {
	var sub web.SubscribeResponse
	if err := s.get("/api/subscribe/"+strconv.FormatUint(cursor, 10), &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// Collect subscribes repeatedly from cursor, accumulating records until
// done reports true for everything seen so far or timeout passes
func (s *Server) Collect(cursor uint64, timeout time.Duration, done func([]models.ChangeRecord) bool) ([]models.ChangeRecord, uint64, error) {
	var records []models.ChangeRecord
	deadline := time.Now().Add(timeout)

	for !done(records) {
		if time.Now().After(deadline) {
			return records, cursor, fmt.Errorf("timed out after %d records at cursor %d", len(records), cursor)
		}
		sub, err := s.Subscribe(cursor)
		if err != nil {
			return records, cursor, err
		}
		records = append(records, sub.Messages...)
		cursor = sub.MessageCursor
	}
	return records, cursor, nil
}

// Path returns the absolute path of a slash separated project path
func (s *Server) Path(name string) string {
	return filepath.Join(s.Dir, filepath.FromSlash(name))
}

// WriteFile writes a project file, creating parent directories
func (s *Server) WriteFile(name, contents string) error {
	path := s.Path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(contents), 0644)
}

// RemoveAll deletes a project file or directory
func (s *Server) RemoveAll(name string) error {
	return os.RemoveAll(s.Path(name))
}

func (s *Server) get(path string, out interface{}) error {
	resp, err := s.client.Get(s.BaseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.ErrorResponse); err != nil {
			return fmt.Errorf("status %d with undecodable body: %w", resp.StatusCode, err)
		}
		return apiErr
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// IsKind reports whether err is an APIError of the given kind
func IsKind(err error, kind string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}
