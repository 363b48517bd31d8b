package bonding

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"roamer/internal/domain"
)

// JSONFileBackend stores records as {"peer": {"type": "hex blob"}}.
type JSONFileBackend struct {
	path string
}

// NewJSONFileBackend returns a backend writing to path.
func NewJSONFileBackend(path string) *JSONFileBackend {
	return &JSONFileBackend{path: path}
}

func (b *JSONFileBackend) Name() string { return "json:" + b.path }

func (b *JSONFileBackend) Read(_ context.Context) (Records, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(Records), nil
	}
	if err != nil {
		return nil, err
	}
	return decodeJSON(data)
}

func (b *JSONFileBackend) Write(_ context.Context, records Records) error {
	return writeJSON(b.path, encodeJSON(records))
}

func (b *JSONFileBackend) Clear(_ context.Context) error {
	if err := os.Remove(b.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func encodeJSON(records Records) map[string]map[string]string {
	out := make(map[string]map[string]string, len(records))
	for peer, m := range records {
		entry := make(map[string]string, len(m))
		for t, blob := range m {
			entry[strconv.Itoa(int(t))] = hex.EncodeToString(blob)
		}
		out[peer] = entry
	}
	return out
}

func decodeJSON(data []byte) (Records, error) {
	var raw map[string]map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse bonding file: %w", err)
	}
	out := make(Records, len(raw))
	for peer, entry := range raw {
		m := make(domain.Material, len(entry))
		for k, v := range entry {
			t, err := strconv.ParseUint(k, 10, 8)
			if err != nil {
				return nil, fmt.Errorf("peer %s: material type %q: %w", peer, k, err)
			}
			blob, err := hex.DecodeString(v)
			if err != nil {
				return nil, fmt.Errorf("peer %s: material %d: %w", peer, t, err)
			}
			m[domain.MaterialType(t)] = blob
		}
		out[domain.PeerIdentity{Address: peer}.Key()] = m
	}
	return out, nil
}

// writeJSON atomically writes v as indented JSON to path.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return domain.WrapOp("marshal", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return domain.WrapOp("mkdir", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return domain.WrapOp("write", err)
	}
	return os.Rename(tmp, path)
}
