package app

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghostlyemg/emgdash/pkg/auth"
	"github.com/ghostlyemg/emgdash/pkg/backend"
	"github.com/ghostlyemg/emgdash/pkg/config"
	"github.com/ghostlyemg/emgdash/pkg/sessions"
)

func writeFile(t *testing.T, root, rel string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("C3D"), 0o644))
}

func testConfig(t *testing.T, root string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`
notes:
  backend: badger
buckets:
  - name: c3d
    type: local
    root: ` + root + `
    public_base_url: https://cdn.example.com/c3d
`))
	require.NoError(t, err)
	return cfg
}

func TestNew_ListsLocalBucket(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "P001/Ghostly_Emg_20230321_17-50-17-0881.c3d")
	writeFile(t, root, "P002/Ghostly_Emg_20240102_09-00-00-0001.c3d")
	writeFile(t, root, "loose_P003_session.c3d")
	writeFile(t, root, "P004/.emptyFolderPlaceholder")

	a, err := New(context.Background(), testConfig(t, root))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	assert.Equal(t, []string{"c3d"}, a.Service.Buckets())

	listing, err := a.Service.ListSessions(context.Background(), "c3d")
	require.NoError(t, err)
	assert.Empty(t, listing.Warnings)

	var paths []string
	byPath := map[string]sessions.SessionFile{}
	for _, f := range listing.Files {
		paths = append(paths, f.Path)
		byPath[f.Path] = f
	}
	sort.Strings(paths)
	assert.Equal(t, []string{
		"P001/Ghostly_Emg_20230321_17-50-17-0881.c3d",
		"P002/Ghostly_Emg_20240102_09-00-00-0001.c3d",
		"loose_P003_session.c3d",
	}, paths)

	f := byPath["P001/Ghostly_Emg_20230321_17-50-17-0881.c3d"]
	assert.Equal(t, "P001", f.PatientCode)
	require.NotNil(t, f.SessionTimestamp)
	assert.True(t, f.SessionTimestamp.Equal(time.Date(2023, 3, 21, 17, 50, 17, 0, time.UTC)))
	assert.Equal(t, "P003", byPath["loose_P003_session.c3d"].PatientCode)

	u, err := a.Service.PublicURL("c3d", "P001/x.c3d")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/c3d/P001/x.c3d", u)

	data, err := a.Service.Download(context.Background(), "c3d", "P001/Ghostly_Emg_20230321_17-50-17-0881.c3d", backend.DownloadOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("C3D"), data)
}

func TestNew_IndicatorsFromBadger(t *testing.T) {
	a, err := New(context.Background(), testConfig(t, t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	require.NotNil(t, a.Counter)

	ind, err := a.Service.GetIndicators(context.Background(), []string{"P001/a.c3d"}, []string{"P001"}, 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"P001/a.c3d": 0}, ind.FileNoteCounts)
	assert.Equal(t, map[string]int{"P001": 0}, ind.PatientNoteCounts)
}

func TestNew_NoNotesBackend(t *testing.T) {
	cfg, err := config.Parse([]byte("buckets: []\n"))
	require.NoError(t, err)

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	assert.Nil(t, a.Counter)

	_, err = a.Service.GetIndicators(context.Background(), []string{"x"}, nil, 0)
	var cfgErr *sessions.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestNew_UnknownBackendType(t *testing.T) {
	cfg, err := config.Parse([]byte(`
buckets:
  - name: broken
    type: nosuchremote
`))
	require.NoError(t, err)

	_, err = New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestDiscoveryOptions(t *testing.T) {
	opts, err := DiscoveryOptions(config.DiscoveryConfig{
		Timeout:       time.Second,
		SubdirPattern: `^S\d+$`,
		Extensions:    []string{".c3d", ".csv"},
	})
	require.NoError(t, err)
	assert.Equal(t, time.Second, opts.Timeout)
	assert.True(t, opts.SubdirPattern.MatchString("S12"))
	assert.Equal(t, []string{".c3d", ".csv"}, opts.Extensions)

	_, err = DiscoveryOptions(config.DiscoveryConfig{SubdirPattern: "(["})
	assert.Error(t, err)
}

func TestBucketCheck(t *testing.T) {
	root := t.TempDir()
	a, err := New(context.Background(), testConfig(t, root))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	be, err := a.Registry.Get("c3d")
	require.NoError(t, err)
	assert.NoError(t, BucketCheck(be)())

	cfg, err := config.Parse([]byte(`
buckets:
  - name: gated
    type: local
    root: ` + root + `
    auth:
      method: bearer
      token_env: EMGDASH_TEST_UNSET_TOKEN
`))
	require.NoError(t, err)
	gated, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { gated.Close() })

	gbe, err := gated.Registry.Get("gated")
	require.NoError(t, err)
	assert.NoError(t, BucketCheck(gbe)(), "missing session is not a store failure")
}

func bearerConfig(t *testing.T, root string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`
buckets:
  - name: c3d
    type: local
    root: ` + root + `
    auth:
      method: bearer
      verify_key_env: EMGDASH_TEST_VERIFY_KEY
`))
	require.NoError(t, err)
	return cfg
}

func TestNew_BearerBucketVerifiesRequestTokens(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "P001/Ghostly_Emg_20230321_17-50-17-0881.c3d")
	t.Setenv("EMGDASH_TEST_VERIFY_KEY", "bucket-key")

	a, err := New(context.Background(), bearerConfig(t, root))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "therapist-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("bucket-key"))
	require.NoError(t, err)

	listing, err := a.Service.ListSessions(auth.ContextWithToken(context.Background(), tok), "c3d")
	require.NoError(t, err)
	assert.Len(t, listing.Files, 1)

	var authErr *sessions.AuthError
	_, err = a.Service.ListSessions(auth.ContextWithToken(context.Background(), "made-up"), "c3d")
	require.ErrorAs(t, err, &authErr)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestNew_EmptyVerifyKey(t *testing.T) {
	t.Setenv("EMGDASH_TEST_VERIFY_KEY", "")
	_, err := New(context.Background(), bearerConfig(t, t.TempDir()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EMGDASH_TEST_VERIFY_KEY")
}
