package migrate

import (
	"bytes"
	"io"
	"io/fs"
	"regexp"
	"strings"
)

// postgresTypes matches column types sqlite has no affinity or driver
// conversion for. The sqlite driver only hands back time.Time for columns
// declared DATETIME, TIMESTAMP or DATE.
var postgresTypes = regexp.MustCompile(`\b(TIMESTAMPTZ|JSONB|BYTEA|UUID)\b`)

var sqliteTypes = map[string]string{
	"TIMESTAMPTZ": "DATETIME",
	"JSONB":       "TEXT",
	"BYTEA":       "BLOB",
	"UUID":        "TEXT",
}

func rewriteForSQLite(src []byte) []byte {
	return postgresTypes.ReplaceAllFunc(src, func(m []byte) []byte {
		return []byte(sqliteTypes[string(m)])
	})
}

// migrationsFS returns the embedded migrations as the given dialect sees them.
func migrationsFS(dialect string) fs.FS {
	if dialect == "sqlite3" || dialect == "sqlite" {
		return sqliteFS{FS: embedded}
	}
	return embedded
}

// sqliteFS serves .sql files with postgres column types mapped to sqlite ones.
type sqliteFS struct {
	fs.FS
}

func (s sqliteFS) ReadDir(name string) ([]fs.DirEntry, error) { return fs.ReadDir(s.FS, name) }

func (s sqliteFS) Glob(pattern string) ([]string, error) { return fs.Glob(s.FS, pattern) }

func (s sqliteFS) Open(name string) (fs.File, error) {
	f, err := s.FS.Open(name)
	if err != nil || !strings.HasSuffix(name, ".sql") {
		return f, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	out := rewriteForSQLite(raw)
	return &memFile{Reader: bytes.NewReader(out), info: sizedInfo{FileInfo: info, size: int64(len(out))}}, nil
}

type memFile struct {
	*bytes.Reader
	info fs.FileInfo
}

func (f *memFile) Stat() (fs.FileInfo, error) { return f.info, nil }
func (f *memFile) Close() error               { return nil }

type sizedInfo struct {
	fs.FileInfo
	size int64
}

func (i sizedInfo) Size() int64 { return i.size }
