package metainfo

import (
	"bytes"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/require"
)

func writeTestTorrent(t *testing.T) (path string, wantHash [20]byte) {
	t.Helper()

	info := map[string]interface{}{
		"piece length": int64(16384),
		"pieces":       string(bytes.Repeat([]byte{0xAB}, 40)), // two fake piece hashes
		"name":         "example",
		"files": []interface{}{
			map[string]interface{}{"length": int64(100), "path": []interface{}{"a.bin"}},
			map[string]interface{}{"length": int64(200), "path": []interface{}{"sub", "b.bin"}},
		},
	}
	root := map[string]interface{}{
		"announce":      "udp://tracker.example.test:6969/announce",
		"announce-list": []interface{}{[]interface{}{"udp://tracker.example.test:6969/announce"}},
		"info":          info,
	}

	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, root))

	dir := t.TempDir()
	path = filepath.Join(dir, "test.torrent")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	infoBytes, err := extractInfoBytes(buf.Bytes())
	require.NoError(t, err)
	wantHash = sha1.Sum(infoBytes)

	return path, wantHash
}

func TestLoadParsesMetadataAndInfoHash(t *testing.T) {
	path, wantHash := writeTestTorrent(t)

	f, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "example", f.Name())
	require.Equal(t, wantHash, f.InfoHash())
	require.Equal(t, int64(16384), f.PieceLength())
	require.Equal(t, "udp://tracker.example.test:6969/announce", f.Announce())
	require.Len(t, f.AnnounceList(), 1)

	hashes := f.PieceHashes()
	require.Len(t, hashes, 2)

	files := f.Files()
	require.Len(t, files, 2)
	require.Equal(t, []string{"a.bin"}, files[0].Path)
	require.Equal(t, int64(100), files[0].Length)
	require.Equal(t, []string{"sub", "b.bin"}, files[1].Path)
	require.Equal(t, int64(200), files[1].Length)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.torrent"))
	require.Error(t, err)
}
