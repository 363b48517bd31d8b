package bonding

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roamer/internal/domain"
)

func TestJSONBackendMissingFileIsEmpty(t *testing.T) {
	b := NewJSONFileBackend(filepath.Join(t.TempDir(), "none.json"))
	recs, err := b.Read(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestJSONBackendReadsExistingFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bonding_db.json")
	content := `{"c0:ff:ee:00:00:01": {"1": "00112233", "4": "ff"}}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	recs, err := NewJSONFileBackend(path).Read(context.Background())
	require.NoError(t, err)
	m := recs["C0:FF:EE:00:00:01"]
	assert.Equal(t, []byte{0x00, 0x11, 0x22, 0x33}, m[1])
	assert.Equal(t, []byte{0xff}, m[4])
}

func TestJSONBackendCorrupt(t *testing.T) {
	cases := map[string]string{
		"not json":     `{{{`,
		"bad type key": `{"AA": {"x": "00"}}`,
		"type range":   `{"AA": {"300": "00"}}`,
		"bad hex":      `{"AA": {"1": "zz"}}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "db.json")
			require.NoError(t, os.WriteFile(path, []byte(content), 0600))
			_, err := NewJSONFileBackend(path).Read(context.Background())
			assert.Error(t, err)
		})
	}
}

func TestJSONBackendCorruptLoadsEmptyStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0600))

	s := NewStore(NewJSONFileBackend(path), newTestLogger())
	require.NoError(t, s.Load(context.Background()))
	assert.Empty(t, s.Peers())
}

func TestJSONBackendWriteIsAtomicAndCreatesDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "db.json")
	b := NewJSONFileBackend(path)
	require.NoError(t, b.Write(context.Background(), Records{"AA": domain.Material{1: {0x01}}}))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must be renamed away")

	require.NoError(t, b.Clear(context.Background()))
	require.NoError(t, b.Clear(context.Background()), "clearing a missing file is not an error")
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
