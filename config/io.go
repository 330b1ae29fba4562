package config

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/juju/errors"
)

type FullReader interface {
	Normalize(key string) string
	// nil,nil = not found
	ReadAll(key string) ([]byte, error)
}

type OsFullReader struct {
	base string
}

func NewOsFullReader(basePath string) (*OsFullReader, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, errors.Annotatef(err, "filepath.Abs() path=%s", basePath)
	}
	return &OsFullReader{base: abs}, nil
}

func (self OsFullReader) Normalize(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Clean(filepath.Join(self.base, path))
}

func (OsFullReader) ReadAll(path string) ([]byte, error) {
	b, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return b, err
}

type MockFullReader struct {
	Map map[string]string
}

func NewMockFullReader(sources map[string]string) *MockFullReader {
	return &MockFullReader{Map: sources}
}

func (self *MockFullReader) Normalize(name string) string {
	return filepath.Clean(name)
}

func (self *MockFullReader) ReadAll(name string) ([]byte, error) {
	if s, ok := self.Map[name]; ok {
		return []byte(s), nil
	}
	return nil, nil
}

// WriteFileAtomic replaces path contents via temporary file in same directory and rename.
func WriteFileAtomic(path string, b []byte, perm os.FileMode) error {
	dir, name := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Annotatef(err, "mkdir %s", dir)
	}
	f, err := ioutil.TempFile(dir, "."+name+".tmp")
	if err != nil {
		return errors.Annotatef(err, "create temp dir=%s", dir)
	}
	tmp := f.Name()
	defer os.Remove(tmp) // no-op after successful rename
	if _, err = f.Write(b); err != nil {
		_ = f.Close()
		return errors.Annotatef(err, "write %s", tmp)
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return errors.Annotatef(err, "sync %s", tmp)
	}
	if err = f.Close(); err != nil {
		return errors.Annotatef(err, "close %s", tmp)
	}
	if err = os.Chmod(tmp, perm); err != nil {
		return errors.Annotatef(err, "chmod %s", tmp)
	}
	return errors.Annotatef(os.Rename(tmp, path), "rename %s", path)
}
