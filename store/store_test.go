package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"ztcore.dev/ztcore/events"
)

type memHooks struct {
	data map[Kind]map[ID][]byte
	puts int
}

func newMemHooks() *memHooks {
	return &memHooks{data: make(map[Kind]map[ID][]byte)}
}

func (m *memHooks) Put(kind Kind, id ID, data []byte) error {
	m.puts++
	if m.data[kind] == nil {
		m.data[kind] = make(map[ID][]byte)
	}
	if data == nil {
		delete(m.data[kind], id)
		return nil
	}
	m.data[kind][id] = append([]byte(nil), data...)
	return nil
}

func (m *memHooks) Get(kind Kind, id ID) ([]byte, bool) {
	b, ok := m.data[kind][id]
	return b, ok
}

func TestStoreIdempotentWriteSkipped(t *testing.T) {
	c := qt.New(t)
	h := newMemHooks()
	s := New(h, CachePolicy{AllowNetwork: true}, nil)

	id := ID{42, 0}
	c.Assert(s.Put(KindNetworkConfig, id, []byte("config-v1")), qt.IsNil)
	c.Assert(h.puts, qt.Equals, 1)
	c.Assert(s.Put(KindNetworkConfig, id, []byte("config-v1")), qt.IsNil)
	c.Assert(h.puts, qt.Equals, 1, qt.Commentf("identical bytes must not re-write"))

	c.Assert(s.Put(KindNetworkConfig, id, []byte("config-v2")), qt.IsNil)
	c.Assert(h.puts, qt.Equals, 2)
}

func TestStorePolicySuppressesWriteButMirrorsIdentity(t *testing.T) {
	c := qt.New(t)
	h := newMemHooks()
	s := New(h, CachePolicy{AllowIdentity: false}, nil)

	c.Assert(s.Put(KindIdentityPublic, ID{}, []byte("pub")), qt.IsNil)
	c.Assert(h.puts, qt.Equals, 0)

	got, ok := s.Get(KindIdentityPublic, ID{})
	c.Assert(ok, qt.IsTrue)
	c.Assert(string(got), qt.Equals, "pub")
}

func TestStorePeerWriteSuppressedByPolicy(t *testing.T) {
	c := qt.New(t)
	h := newMemHooks()
	s := New(h, CachePolicy{AllowPeer: false}, nil)
	c.Assert(s.Put(KindPeer, ID{7, 0}, []byte("snap")), qt.IsNil)
	c.Assert(h.puts, qt.Equals, 0)
	_, ok := s.Get(KindPeer, ID{7, 0})
	c.Assert(ok, qt.IsFalse)
}

func TestStorePutEmitsStoreEvent(t *testing.T) {
	c := qt.New(t)
	h := newMemHooks()
	eq := events.NewQueue(nil)
	eq.Enable()

	s := New(h, CachePolicy{AllowPeer: true}, eq)
	c.Assert(s.Put(KindPeer, ID{9, 0}, []byte("snap")), qt.IsNil)
	c.Assert(eq.Depth(), qt.Equals, 1)
}

func TestFileStoreRoundTripAndPermissions(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()
	fs, err := NewFileStore(dir, nil)
	c.Assert(err, qt.IsNil)
	defer fs.Close()

	c.Assert(fs.Put(KindIdentitySecret, ID{}, []byte("super-secret")), qt.IsNil)
	info, err := os.Stat(filepath.Join(dir, "identity.secret"))
	c.Assert(err, qt.IsNil)
	c.Assert(info.Mode().Perm(), qt.Equals, os.FileMode(0o600))

	got, ok := fs.Get(KindIdentitySecret, ID{})
	c.Assert(ok, qt.IsTrue)
	c.Assert(string(got), qt.Equals, "super-secret")

	netID := uint64(0x8056c2e21c000001)
	c.Assert(fs.Put(KindNetworkConfig, ID{netID, 0}, []byte("net-config-bytes")), qt.IsNil)
	got, ok = fs.Get(KindNetworkConfig, ID{netID, 0})
	c.Assert(ok, qt.IsTrue)
	c.Assert(string(got), qt.Equals, "net-config-bytes")

	ids, err := fs.NetworkIDs()
	c.Assert(err, qt.IsNil)
	c.Assert(ids, qt.DeepEquals, []uint64{netID})

	c.Assert(fs.DeleteNetworkConfig(netID), qt.IsNil)
	ids, err = fs.NetworkIDs()
	c.Assert(err, qt.IsNil)
	c.Assert(len(ids), qt.Equals, 0)
}

func TestFileStoreGCPeers(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()
	fs, err := NewFileStore(dir, nil)
	c.Assert(err, qt.IsNil)
	defer fs.Close()

	c.Assert(fs.Put(KindPeer, ID{1, 0}, []byte("peer-1")), qt.IsNil)

	removed, err := fs.GCPeers(30*24*time.Hour, time.Now().Add(40*24*time.Hour))
	c.Assert(err, qt.IsNil)
	c.Assert(removed, qt.Equals, 1)

	_, ok := fs.Get(KindPeer, ID{1, 0})
	c.Assert(ok, qt.IsFalse)
}

func TestFileStoreSaveAfterCollision(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()
	fs, err := NewFileStore(dir, nil)
	c.Assert(err, qt.IsNil)
	defer fs.Close()

	c.Assert(fs.Put(KindIdentitySecret, ID{}, []byte("s1")), qt.IsNil)
	c.Assert(fs.SaveAfterCollision(), qt.IsNil)

	_, ok := fs.Get(KindIdentitySecret, ID{})
	c.Assert(ok, qt.IsFalse)

	saved, err := os.Stat(filepath.Join(dir, "identity.secret.saved_after_collision"))
	c.Assert(err, qt.IsNil)
	c.Assert(saved.Size() > 0, qt.IsTrue)
}
