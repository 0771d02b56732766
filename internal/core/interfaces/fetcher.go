package interfaces

// Fetcher defines the contract for reading and watching a file system.
// Implementations never synthesize events for paths outside the roots
// registered with Watch, and deliver events for any single path in the
// order the underlying changes occurred.
type Fetcher interface {
	// Stat returns the type of the entry at path, or an error wrapping
	// errors.ErrNotFound when nothing exists there
	Stat(path string) (FileType, error)

	// Read returns the contents of the file at path
	Read(path string) ([]byte, error)

	// List returns the child paths of the directory at path in sorted order
	List(path string) ([]string, error)

	// Watch registers path (recursively, for directories) as a watched root
	Watch(path string) error

	// Unwatch stops delivering events for path and everything below it
	Unwatch(path string) error

	// Events returns the stream of raw change notifications. The channel
	// is closed by Close.
	Events() <-chan RawEvent

	// Errors returns a channel for watcher error notifications
	Errors() <-chan error

	// Close stops the event stream and releases resources
	Close() error
}

// FileType is the kind of a file system entry
type FileType string

const (
	// FileTypeFile is a regular file
	FileTypeFile FileType = "file"

	// FileTypeDirectory is a directory
	FileTypeDirectory FileType = "directory"
)

// RawEvent is an unstructured change notification for one path. Consumers
// must re-check the file system rather than trusting Kind.
type RawEvent struct {
	Path string    `json:"path"`
	Kind EventKind `json:"kind"`
}

// EventKind defines the type of raw file system notification
type EventKind string

const (
	// EventCreated indicates a file or directory was created
	EventCreated EventKind = "created"

	// EventModified indicates a file was written
	EventModified EventKind = "modified"

	// EventRemoved indicates a file or directory was deleted
	EventRemoved EventKind = "removed"

	// EventRenamed indicates a file or directory was renamed away
	EventRenamed EventKind = "renamed"
)

// String returns the string representation of the event kind
func (k EventKind) String() string {
	return string(k)
}
