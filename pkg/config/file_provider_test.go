package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/ruleflow/pkg/logging"
)

func newProvider(t *testing.T, content string) (*FileCatalogProvider, string) {
	t.Helper()
	path := writeFile(t, t.TempDir(), "catalog.yaml", content)
	p, err := NewFileCatalogProvider(FileCatalogProviderConfig{
		Path:     path,
		Debounce: 10 * time.Millisecond,
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p, path
}

func TestFileCatalogProviderInitialSnapshot(t *testing.T) {
	p, _ := newProvider(t, "generation: g1\n")

	assert.Equal(t, "g1", p.Current().Generation)

	ch := p.Subscribe()
	select {
	case snap := <-ch:
		assert.Equal(t, "g1", snap.Generation)
	case <-time.After(time.Second):
		t.Fatal("expected immediate snapshot")
	}
}

func TestFileCatalogProviderReloadsOnWrite(t *testing.T) {
	p, path := newProvider(t, "generation: g1\n")
	ch := p.Subscribe()
	<-ch

	require.NoError(t, os.WriteFile(path, []byte("generation: g2\n"), 0o600))

	require.Eventually(t, func() bool {
		select {
		case snap := <-ch:
			return snap.Generation == "g2"
		default:
			return false
		}
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "g2", p.Current().Generation)
}

func TestFileCatalogProviderKeepsSnapshotOnParseError(t *testing.T) {
	p, path := newProvider(t, "generation: g1\n")

	require.NoError(t, os.WriteFile(path, []byte("generation: [unclosed\n"), 0o600))
	require.Error(t, p.Reload())
	assert.Equal(t, "g1", p.Current().Generation)
}

func TestFileCatalogProviderInitialLoadFails(t *testing.T) {
	_, err := NewFileCatalogProvider(FileCatalogProviderConfig{
		Path:   filepath.Join(t.TempDir(), "missing.yaml"),
		Logger: logging.Discard(),
	})
	require.Error(t, err)
}

func TestFileCatalogProviderCloseClosesSubscribers(t *testing.T) {
	path := writeFile(t, t.TempDir(), "catalog.yaml", "generation: g1\n")
	p, err := NewFileCatalogProvider(FileCatalogProviderConfig{Path: path, Logger: logging.Discard()})
	require.NoError(t, err)

	ch := p.Subscribe()
	<-ch
	require.NoError(t, p.Close())

	_, ok := <-ch
	assert.False(t, ok)
}
