package cache

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	// FileName is the container file inside each shard directory.
	FileName = "audio.webm"
	// PartSuffix marks an in-progress write next to the final file.
	PartSuffix = ".part"

	shardDepth = 3
	shardWidth = 2
)

// Layout maps identifiers onto the sharded directory tree under Root.
type Layout struct {
	Root string
}

// Path returns the final file for id:
// <root>/<id[0:2]>/<id[2:4]>/<id[4:6]>/audio.webm. Short ids are padded
// with '_' so every entry has the same depth.
func (l Layout) Path(id string) string {
	safe := sanitizeID(id)
	for len(safe) < shardDepth*shardWidth {
		safe += "_"
	}
	parts := []string{l.Root}
	for i := 0; i < shardDepth; i++ {
		parts = append(parts, safe[i*shardWidth:(i+1)*shardWidth])
	}
	parts = append(parts, FileName)
	return filepath.Join(parts...)
}

// PartPath is the temp sibling of Path(id).
func (l Layout) PartPath(id string) string {
	return l.Path(id) + PartSuffix
}

// Exists reports whether the final file for id is present.
func (l Layout) Exists(id string) bool {
	info, err := os.Stat(l.Path(id))
	return err == nil && info.Mode().IsRegular()
}

// PartSize returns the size of the in-progress file, or -1 without one.
func (l Layout) PartSize(id string) int64 {
	info, err := os.Stat(l.PartPath(id))
	if err != nil {
		return -1
	}
	return info.Size()
}

// sanitizeID keeps identifiers from escaping the cache root.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

// removeEmptyParents deletes empty shard directories between path and root.
func removeEmptyParents(root, path string) {
	root = filepath.Clean(root)
	dir := filepath.Dir(path)
	for dir != root && strings.HasPrefix(dir, root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
