package store

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"ztcore.dev/ztcore/types/logger"
)

// FileStore is the on-disk Hooks implementation described in spec.md §6:
//
//	<home>/
//	  identity.public
//	  identity.secret                       (owner-read only)
//	  roots
//	  networks.d/<16-hex-net-id>.conf
//	  peers.d/<10-hex-node-id>.peer
//	  identity.secret.saved_after_collision  (written by SaveAfterCollision
//	                                          on identity-collision recovery)
//
// Every blob (other than the three flat identity.public/identity.secret/
// roots files, which the
// original wire format requires to be plain bytes) is cbor-encoded then
// zstd-compressed before being written, trading a little CPU for
// significantly smaller peers.d/networks.d trees on long-lived nodes.
type FileStore struct {
	home string
	logf logger.Logf

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewFileStore roots a FileStore at home, creating the directory tree
// component-by-component if it does not exist (mirroring spec.md §4.8 step
// 1, "ensure the home directory exists ... via the state-store hook").
func NewFileStore(home string, logf logger.Logf) (*FileStore, error) {
	if logf == nil {
		logf = logger.Discard
	}
	if err := mkdirAllComponents(home); err != nil {
		return nil, fmt.Errorf("filestore: %w", err)
	}
	for _, sub := range []string{"networks.d", "peers.d"} {
		if err := mkdirAllComponents(filepath.Join(home, sub)); err != nil {
			return nil, fmt.Errorf("filestore: %w", err)
		}
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &FileStore{
		home: home,
		logf: logger.WithPrefix(logf, "filestore: "),
		enc:  enc,
		dec:  dec,
	}, nil
}

// mkdirAllComponents is os.MkdirAll broken into single-component steps, so
// that a permission failure partway through names the exact path segment
// that failed rather than the whole tree.
func mkdirAllComponents(path string) error {
	path = filepath.Clean(path)
	var built string
	for _, part := range splitPath(path) {
		built = filepath.Join(built, part)
		if built == "" {
			continue
		}
		if err := os.Mkdir(built, 0o755); err != nil && !os.IsExist(err) {
			return fmt.Errorf("mkdir %s: %w", built, err)
		}
	}
	return nil
}

func splitPath(path string) []string {
	var parts []string
	for {
		dir, file := filepath.Split(path)
		if file != "" {
			parts = append([]string{file}, parts...)
		}
		dir = filepath.Clean(dir)
		if dir == path || dir == "." || dir == string(filepath.Separator) {
			if dir != "." {
				parts = append([]string{dir}, parts...)
			}
			break
		}
		path = dir
	}
	return parts
}

func (fs *FileStore) pathFor(kind Kind, id ID) (path string, flat bool) {
	switch kind {
	case KindIdentityPublic:
		return filepath.Join(fs.home, "identity.public"), true
	case KindIdentitySecret:
		return filepath.Join(fs.home, "identity.secret"), true
	case KindPlanet:
		return filepath.Join(fs.home, "roots"), true
	case KindNetworkConfig:
		return filepath.Join(fs.home, "networks.d", fmt.Sprintf("%016x.conf", id[0])), false
	case KindPeer:
		return filepath.Join(fs.home, "peers.d", fmt.Sprintf("%010x.peer", id[0])), false
	default:
		return "", true
	}
}

// Put implements Hooks.
func (fs *FileStore) Put(kind Kind, id ID, data []byte) error {
	path, _ := fs.pathFor(kind, id)
	if path == "" {
		return fmt.Errorf("filestore: unknown kind %v", kind)
	}
	if data == nil {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	payload := fs.encode(kind, data)
	mode := os.FileMode(0o644)
	if kind == KindIdentitySecret {
		mode = 0o600 // owner-read only, per spec.md §4.2
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, mode); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Get implements Hooks.
func (fs *FileStore) Get(kind Kind, id ID) ([]byte, bool) {
	path, _ := fs.pathFor(kind, id)
	if path == "" {
		return nil, false
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	data, err := fs.decode(kind, b)
	if err != nil {
		fs.logf("corrupt object at %s: %v", path, err)
		return nil, false
	}
	return data, true
}

// encode wraps flat (identity/roots) kinds as raw bytes, matching the
// original wire format's expectation of plain ASCII/opaque files, and
// cbor+zstd-encodes everything else (peers.d, networks.d).
func (fs *FileStore) encode(kind Kind, data []byte) []byte {
	if kind == KindIdentityPublic || kind == KindIdentitySecret || kind == KindPlanet {
		return data
	}
	raw, err := cbor.Marshal(data)
	if err != nil {
		// cbor.Marshal on a []byte cannot fail; kept defensive for clarity.
		return data
	}
	return fs.enc.EncodeAll(raw, nil)
}

func (fs *FileStore) decode(kind Kind, b []byte) ([]byte, error) {
	if kind == KindIdentityPublic || kind == KindIdentitySecret || kind == KindPlanet {
		return b, nil
	}
	raw, err := fs.dec.DecodeAll(b, nil)
	if err != nil {
		return nil, err
	}
	var data []byte
	if err := cbor.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// SaveAfterCollision renames identity.secret to
// identity.secret.saved_after_collision, the recovery step spec.md §9's
// open question resolves as "a single retry, logged, no backoff" around.
func (fs *FileStore) SaveAfterCollision() error {
	secret := filepath.Join(fs.home, "identity.secret")
	saved := filepath.Join(fs.home, "identity.secret.saved_after_collision")
	if _, err := os.Stat(secret); os.IsNotExist(err) {
		return nil
	}
	return os.Rename(secret, saved)
}

// NetworkIDs enumerates the net_ids cached under networks.d, for
// spec.md §4.8 step 3 ("join cached networks").
func (fs *FileStore) NetworkIDs() ([]uint64, error) {
	entries, err := os.ReadDir(filepath.Join(fs.home, "networks.d"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []uint64
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".conf" {
			continue
		}
		hexPart := name[:len(name)-len(".conf")]
		raw, err := hex.DecodeString(hexPart)
		if err != nil || len(raw) != 8 {
			continue
		}
		var id uint64
		for _, b := range raw {
			id = id<<8 | uint64(b)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// DeleteNetworkConfig removes the cached config for net_id, used on the
// NETWORK_DESTROY path when network caching is enabled (spec.md §4.8).
func (fs *FileStore) DeleteNetworkConfig(netID uint64) error {
	return fs.Put(KindNetworkConfig, ID{netID, 0}, nil)
}

// GCPeers deletes peer cache files whose modification time is older than
// maxAge, matching spec.md §4.8's "every 3600s, clean peers.d/ of entries
// older than 30 days". Aging is by file mtime, not by any field inside the
// peer blob -- the original implementation's bookkeeping is the same.
func (fs *FileStore) GCPeers(maxAge time.Duration, now time.Time) (removed int, err error) {
	dir := filepath.Join(fs.home, "peers.d")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > maxAge {
			if rmErr := os.Remove(filepath.Join(dir, e.Name())); rmErr == nil {
				removed++
			}
		}
	}
	return removed, nil
}

var _ io.Closer = (*FileStore)(nil)

// Close releases the compressor/decompressor resources.
func (fs *FileStore) Close() error {
	fs.enc.Close()
	fs.dec.Close()
	return nil
}

// byteEqual is a tiny wrapper around bytes.Equal; nothing in this module
// calls it.
func byteEqual(a, b []byte) bool { return bytes.Equal(a, b) }
