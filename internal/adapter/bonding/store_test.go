package bonding

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roamer/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var peerA = domain.PeerIdentity{Address: "aa:bb:cc:dd:ee:01", Kind: domain.AddressRandom}

// memBackend counts writes and can be told to fail.
type memBackend struct {
	mu      sync.Mutex
	records Records
	writes  int
	readErr error
	failErr error
}

func (m *memBackend) Name() string { return "mem" }

func (m *memBackend) Read(context.Context) (Records, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	return m.records.Clone(), nil
}

func (m *memBackend) Write(_ context.Context, r Records) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.writes++
	m.records = r.Clone()
	return nil
}

func (m *memBackend) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
	return nil
}

func TestGetUnknownPeerIsEmpty(t *testing.T) {
	s := NewStore(&memBackend{}, newTestLogger())
	m := s.Get(peerA)
	assert.NotNil(t, m)
	assert.Empty(t, m)
	assert.False(t, s.Dirty())
}

func TestMergeMarksDirtyAndCopies(t *testing.T) {
	s := NewStore(&memBackend{}, newTestLogger())
	blob := []byte{0x01, 0x02}
	s.Merge(peerA, 3, blob)
	blob[0] = 0xff

	assert.True(t, s.Dirty())
	got := s.Get(peerA)
	assert.Equal(t, []byte{0x01, 0x02}, got[3])

	got[3][1] = 0xee
	assert.Equal(t, []byte{0x01, 0x02}, s.Get(peerA)[3], "Get must return a copy")
}

func TestMergeKeyIsCaseInsensitive(t *testing.T) {
	s := NewStore(&memBackend{}, newTestLogger())
	s.Merge(peerA, 1, []byte{0x0a})
	upper := domain.PeerIdentity{Address: "AA:BB:CC:DD:EE:01"}
	assert.Equal(t, []byte{0x0a}, s.Get(upper)[1])
	assert.Equal(t, []string{"AA:BB:CC:DD:EE:01"}, s.Peers())
}

func TestFlushIfDirty(t *testing.T) {
	be := &memBackend{}
	s := NewStore(be, newTestLogger())
	ctx := context.Background()

	wrote, err := s.FlushIfDirty(ctx)
	require.NoError(t, err)
	assert.False(t, wrote, "clean store must not write")

	s.Merge(peerA, 1, []byte{0x01})
	s.Merge(peerA, 2, []byte{0x02})
	wrote, err = s.FlushIfDirty(ctx)
	require.NoError(t, err)
	assert.True(t, wrote)
	assert.False(t, s.Dirty())

	wrote, err = s.FlushIfDirty(ctx)
	require.NoError(t, err)
	assert.False(t, wrote)
	assert.Equal(t, 1, be.writes)
}

func TestFlushFailureKeepsDirty(t *testing.T) {
	be := &memBackend{failErr: errors.New("disk full")}
	s := NewStore(be, newTestLogger())
	s.Merge(peerA, 1, []byte{0x01})

	_, err := s.FlushIfDirty(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBondingFlush)
	assert.True(t, s.Dirty())

	be.failErr = nil
	wrote, err := s.FlushIfDirty(context.Background())
	require.NoError(t, err)
	assert.True(t, wrote)
}

func TestLoadUnreadableIsEmpty(t *testing.T) {
	be := &memBackend{readErr: errors.New("corrupt")}
	s := NewStore(be, newTestLogger())
	s.Merge(peerA, 1, []byte{0x01})

	require.NoError(t, s.Load(context.Background()))
	assert.Empty(t, s.Get(peerA))
	assert.False(t, s.Dirty())
}

func TestWipe(t *testing.T) {
	be := &memBackend{}
	s := NewStore(be, newTestLogger())
	s.Merge(peerA, 1, []byte{0x01})
	_, err := s.FlushIfDirty(context.Background())
	require.NoError(t, err)

	require.NoError(t, s.Wipe(context.Background()))
	assert.Empty(t, s.Get(peerA))
	assert.Empty(t, be.records)
	assert.False(t, s.Dirty())
}

func TestConcurrentMergeAndFlush(t *testing.T) {
	be := &memBackend{}
	s := NewStore(be, newTestLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Merge(peerA, domain.MaterialType(i), []byte{byte(j)})
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, _ = s.FlushIfDirty(ctx)
			}
		}()
	}
	wg.Wait()

	_, err := s.FlushIfDirty(ctx)
	require.NoError(t, err)
	assert.False(t, s.Dirty())
	assert.Len(t, be.records["AA:BB:CC:DD:EE:01"], 8)
	for i := 0; i < 8; i++ {
		assert.Equal(t, []byte{49}, be.records["AA:BB:CC:DD:EE:01"][domain.MaterialType(i)])
	}
}

func TestRoundTripJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bonding_db.json")
	ctx := context.Background()

	s := NewStore(NewJSONFileBackend(path), newTestLogger())
	require.NoError(t, s.Load(ctx))
	s.Merge(peerA, 0, []byte{0xde, 0xad, 0xbe, 0xef})
	s.Merge(peerA, 5, []byte{})
	_, err := s.FlushIfDirty(ctx)
	require.NoError(t, err)

	reloaded := NewStore(NewJSONFileBackend(path), newTestLogger())
	require.NoError(t, reloaded.Load(ctx))
	got := reloaded.Get(peerA)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, got[0])
	assert.Len(t, got[5], 0)
	assert.Contains(t, got, domain.MaterialType(5))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"AA:BB:CC:DD:EE:01": {"0": "deadbeef", "5": ""}}`, string(data))
}
