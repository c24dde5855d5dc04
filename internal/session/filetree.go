package session

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// FileNode is one node of the immutable file tree built from metadata at
// session construction (spec §3). A Regular node has a fixed byte length
// and no children; a Directory node has an ordered, uniquely-named child
// list and a lazily-computed length.
//
// The tree's shape is built once and never mutated. The only per-file datum
// a user can change — the should_download flag — is an atomic cell that
// each node holds by pointer, so toggling it needs no lock on the tree.
type FileNode struct {
	ID       int
	Name     string
	IsDir    bool
	Length   int64      // defined only when !IsDir
	Children []*FileNode // ordered; non-empty only when IsDir

	downloadFlag *atomic.Bool
}

// ShouldDownload reports whether this node (and everything under it, if a
// directory) is currently marked for download.
func (n *FileNode) ShouldDownload() bool {
	return n.downloadFlag.Load()
}

// TotalLength returns the node's byte length: its own Length for a Regular
// node, or the recursive sum of children for a Directory.
func (n *FileNode) TotalLength() int64 {
	if !n.IsDir {
		return n.Length
	}
	var total int64
	for _, c := range n.Children {
		total += c.TotalLength()
	}
	return total
}

// BuildFileTree constructs the immutable file tree for a torrent from its
// metadata file list, rooted at a synthetic Directory node named after the
// torrent (mirroring the teacher's BuildFileInfo, generalized to a tree
// instead of a flat path+offset list — SessionState additionally needs a
// flat, offset-ordered view for piece-to-file mapping; see FlattenFiles).
// A single-file torrent (no files, or one file with an empty Path) yields a
// single Regular node named after the torrent instead.
func BuildFileTree(name string, files []FileSpec) *FileNode {
	nextID := 0
	alloc := func() int {
		id := nextID
		nextID++
		return id
	}

	if len(files) == 0 || (len(files) == 1 && len(files[0].Path) == 0) {
		var length int64
		if len(files) == 1 {
			length = files[0].Length
		}
		return &FileNode{
			ID:           alloc(),
			Name:         name,
			IsDir:        false,
			Length:       length,
			downloadFlag: newFlag(true),
		}
	}

	root := &FileNode{ID: alloc(), Name: name, IsDir: true, downloadFlag: newFlag(true)}
	dirs := map[string]*FileNode{"": root}

	ensureDir := func(pathParts []string) *FileNode {
		cur := root
		built := ""
		for _, part := range pathParts {
			built = built + "/" + part
			if existing, ok := dirs[built]; ok {
				cur = existing
				continue
			}
			child := &FileNode{ID: alloc(), Name: part, IsDir: true, downloadFlag: newFlag(true)}
			cur.Children = append(cur.Children, child)
			dirs[built] = child
			cur = child
		}
		return cur
	}

	for _, f := range files {
		if len(f.Path) == 0 {
			continue
		}
		parent := ensureDir(f.Path[:len(f.Path)-1])
		leaf := &FileNode{
			ID:           alloc(),
			Name:         f.Path[len(f.Path)-1],
			IsDir:        false,
			Length:       f.Length,
			downloadFlag: newFlag(true),
		}
		parent.Children = append(parent.Children, leaf)
	}

	return root
}

func newFlag(v bool) *atomic.Bool {
	f := &atomic.Bool{}
	f.Store(v)
	return f
}

// FlatFile is one file's path and byte-range within the concatenated
// torrent content, used to map a downloaded piece onto the files it spans
// (mirrors the teacher's FileInfo.Offset bookkeeping in StartDownload).
type FlatFile struct {
	Node   *FileNode
	Path   string // "/"-joined path from the tree root, for SetFileDownload lookups
	Offset int64
	Length int64
}

// FlattenFiles walks the tree in child order and returns every Regular
// node with its offset in the concatenated content stream.
func FlattenFiles(root *FileNode) []FlatFile {
	var out []FlatFile
	var offset int64

	var walk func(n *FileNode, prefix string)
	walk = func(n *FileNode, prefix string) {
		path := prefix + "/" + n.Name
		if !n.IsDir {
			out = append(out, FlatFile{Node: n, Path: path, Offset: offset, Length: n.Length})
			offset += n.Length
			return
		}
		for _, c := range n.Children {
			walk(c, path)
		}
	}
	walk(root, "")

	return out
}

// FindNode looks up a node by its "/"-joined path from the tree root
// (e.g. "/my-torrent/subdir/file.mp4").
func FindNode(root *FileNode, path string) (*FileNode, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return root, nil
	}

	if parts[0] != root.Name {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFileNode, path)
	}

	cur := root
	for _, part := range parts[1:] {
		found := false
		for _, c := range cur.Children {
			if c.Name == part {
				cur = c
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %q", ErrUnknownFileNode, path)
		}
	}

	return cur, nil
}

// SetDownload toggles the download flag on this node and, if it is a
// directory, every descendant — matching SessionHandle.set_file_download's
// user-facing semantics of toggling a subtree at once.
func (n *FileNode) SetDownload(want bool) {
	n.downloadFlag.Store(want)
	for _, c := range n.Children {
		c.SetDownload(want)
	}
}
