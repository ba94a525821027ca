package arc

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
)

// ByteSource provides random access to one container part.
//
// SourceID identifies the underlying bytes across opens. Sources with the
// same ID are assumed to name the same logical archive; an empty ID
// disables caching for the source.
type ByteSource interface {
	ReadAt(p []byte, off int64) (int, error)
	Size() int64
	SourceID() string
}

// FileSource is a ByteSource backed by an open file.
type FileSource struct {
	file *os.File
	size int64
	id   string
}

// OpenFile opens path for random access. The source ID is the absolute
// path. The returned FileSource must be closed.
func OpenFile(path string) (*FileSource, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	f, err := os.Open(abs) //nolint:gosec // user-provided path is intentional
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return &FileSource{file: f, size: info.Size(), id: abs}, nil
}

// ReadAt implements io.ReaderAt.
func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.file.ReadAt(p, off)
}

// Size returns the file size at open time.
func (s *FileSource) Size() int64 {
	return s.size
}

// SourceID returns the absolute path of the file.
func (s *FileSource) SourceID() string {
	return s.id
}

// Close closes the underlying file.
func (s *FileSource) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// bytesSource is an in-memory ByteSource.
type bytesSource struct {
	*bytes.Reader
	id string
}

// NewBytesSource returns a ByteSource over data with the given ID.
func NewBytesSource(id string, data []byte) ByteSource {
	return &bytesSource{Reader: bytes.NewReader(data), id: id}
}

func (s *bytesSource) SourceID() string {
	return s.id
}
