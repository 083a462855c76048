package resolver

import (
	"bytes"
	"io"
	"io/fs"
	"path"
	"sort"
	"time"

	"github.com/t77yq/execpool/internal/model"
)

// moduleFS is the read-only source filesystem the workflow runtime mounts.
// It synthesizes the directory tree <root>/src/<logical path> from a
// pinned snapshot; nothing here ever touches the real filesystem.
type moduleFS struct {
	files map[string]*memFile
	dirs  map[string]map[string]struct{}
}

type memFile struct {
	name    string
	content []byte
	modTime time.Time
}

func newModuleFS(virtualRoot string, snapshot map[string]*model.VirtualModule) *moduleFS {
	m := &moduleFS{
		files: make(map[string]*memFile),
		dirs:  map[string]map[string]struct{}{".": {}},
	}
	root := normalize(virtualRoot)

	for logicalPath, mod := range snapshot {
		full := normalize(path.Join(root, "src", logicalPath))
		m.files[full] = &memFile{
			name:    path.Base(full),
			content: mod.Content,
			modTime: mod.PublishedAt,
		}
		m.addParents(full)
	}
	return m
}

func (m *moduleFS) addParents(full string) {
	child := full
	for {
		parent := path.Dir(child)
		if m.dirs[parent] == nil {
			m.dirs[parent] = make(map[string]struct{})
		}
		m.dirs[parent][path.Base(child)] = struct{}{}
		if parent == "." {
			return
		}
		child = parent
	}
}

// Open implements fs.FS. Names are accepted rooted or unrooted so the
// interpreter can pass GOPATH-joined absolute paths straight through.
func (m *moduleFS) Open(name string) (fs.File, error) {
	name = normalize(name)
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}

	if f, ok := m.files[name]; ok {
		return &fileHandle{memFile: f, reader: bytes.NewReader(f.content)}, nil
	}
	if children, ok := m.dirs[name]; ok {
		return m.dirHandle(name, children), nil
	}
	return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
}

// ReadFile implements fs.ReadFileFS.
func (m *moduleFS) ReadFile(name string) ([]byte, error) {
	name = normalize(name)
	f, ok := m.files[name]
	if !ok {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: fs.ErrNotExist}
	}
	out := make([]byte, len(f.content))
	copy(out, f.content)
	return out, nil
}

// ReadDir implements fs.ReadDirFS.
func (m *moduleFS) ReadDir(name string) ([]fs.DirEntry, error) {
	name = normalize(name)
	children, ok := m.dirs[name]
	if !ok {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrNotExist}
	}
	return m.entries(name, children), nil
}

// Stat implements fs.StatFS.
func (m *moduleFS) Stat(name string) (fs.FileInfo, error) {
	name = normalize(name)
	if f, ok := m.files[name]; ok {
		return fileInfo{name: f.name, size: int64(len(f.content)), modTime: f.modTime}, nil
	}
	if _, ok := m.dirs[name]; ok {
		return fileInfo{name: path.Base(name), dir: true}, nil
	}
	return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
}

func (m *moduleFS) entries(dir string, children map[string]struct{}) []fs.DirEntry {
	names := make([]string, 0, len(children))
	for name := range children {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]fs.DirEntry, 0, len(names))
	for _, name := range names {
		full := path.Join(dir, name)
		if f, ok := m.files[full]; ok {
			entries = append(entries, dirEntry{fileInfo{name: name, size: int64(len(f.content)), modTime: f.modTime}})
		} else {
			entries = append(entries, dirEntry{fileInfo{name: name, dir: true}})
		}
	}
	return entries
}

func (m *moduleFS) dirHandle(name string, children map[string]struct{}) *dirHandleT {
	return &dirHandleT{
		info:    fileInfo{name: path.Base(name), dir: true},
		entries: m.entries(name, children),
	}
}

// --- handles and infos ---

type fileHandle struct {
	*memFile
	reader *bytes.Reader
}

func (h *fileHandle) Stat() (fs.FileInfo, error) {
	return fileInfo{name: h.name, size: int64(len(h.content)), modTime: h.modTime}, nil
}

func (h *fileHandle) Read(p []byte) (int, error) { return h.reader.Read(p) }
func (h *fileHandle) Close() error               { return nil }

type dirHandleT struct {
	info    fileInfo
	entries []fs.DirEntry
	offset  int
}

func (d *dirHandleT) Stat() (fs.FileInfo, error) { return d.info, nil }
func (d *dirHandleT) Read(p []byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.info.name, Err: fs.ErrInvalid}
}
func (d *dirHandleT) Close() error { return nil }

func (d *dirHandleT) ReadDir(n int) ([]fs.DirEntry, error) {
	if n <= 0 {
		out := d.entries[d.offset:]
		d.offset = len(d.entries)
		return out, nil
	}
	if d.offset >= len(d.entries) {
		return nil, io.EOF
	}
	end := d.offset + n
	if end > len(d.entries) {
		end = len(d.entries)
	}
	out := d.entries[d.offset:end]
	d.offset = end
	return out, nil
}

type fileInfo struct {
	name    string
	size    int64
	modTime time.Time
	dir     bool
}

func (i fileInfo) Name() string       { return i.name }
func (i fileInfo) Size() int64        { return i.size }
func (i fileInfo) ModTime() time.Time { return i.modTime }
func (i fileInfo) IsDir() bool        { return i.dir }
func (i fileInfo) Sys() interface{}   { return nil }

func (i fileInfo) Mode() fs.FileMode {
	if i.dir {
		return fs.ModeDir | 0o555
	}
	return 0o444
}

type dirEntry struct {
	info fileInfo
}

func (e dirEntry) Name() string               { return e.info.name }
func (e dirEntry) IsDir() bool                { return e.info.dir }
func (e dirEntry) Type() fs.FileMode          { return e.info.Mode().Type() }
func (e dirEntry) Info() (fs.FileInfo, error) { return e.info, nil }
