package device

import (
	"fmt"
	"os"
)

// Backend is the narrow I/O surface a Device needs from whatever backs it.
// FileBackend is the only implementation the data path ships; tests supply
// their own in-memory Backend to inject latency and failures.
type Backend interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Sync() error
	Close() error
}

// FileBackend backs a Device with a regular file, addressed by byte offset
// the same way the write/read pipelines address sectors. It exists so the
// data path has something real to drive in tests and in a single-node
// deployment without a raw block device.
type FileBackend struct {
	f *os.File
}

// OpenFileBackend opens (creating if necessary) the file at path.
func OpenFileBackend(path string) (*FileBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("device: open backend %s: %w", path, err)
	}
	return &FileBackend{f: f}, nil
}

func (fb *FileBackend) ReadAt(p []byte, off int64) (int, error) {
	return fb.f.ReadAt(p, off)
}

func (fb *FileBackend) WriteAt(p []byte, off int64) (int, error) {
	return fb.f.WriteAt(p, off)
}

func (fb *FileBackend) Sync() error {
	return fb.f.Sync()
}

func (fb *FileBackend) Close() error {
	return fb.f.Close()
}
