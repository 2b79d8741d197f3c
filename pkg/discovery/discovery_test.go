package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghostlyemg/emgdash/pkg/auth"
	"github.com/ghostlyemg/emgdash/pkg/backend"
)

type fakeBackend struct {
	listings map[string][]backend.ObjectInfo
	errs     map[string]error
	delay    map[string]time.Duration

	calls    atomic.Int64
	inflight atomic.Int64
	peak     atomic.Int64
	mu       sync.Mutex
	opts     []backend.ListOptions
}

func newFake() *fakeBackend {
	return &fakeBackend{
		listings: map[string][]backend.ObjectInfo{},
		errs:     map[string]error{},
		delay:    map[string]time.Duration{},
	}
}

func (f *fakeBackend) Name() string { return "emg" }
func (f *fakeBackend) Type() string { return "fake" }

func (f *fakeBackend) List(ctx context.Context, prefix string, opts backend.ListOptions) ([]backend.ObjectInfo, error) {
	f.calls.Add(1)
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.mu.Lock()
	f.opts = append(f.opts, opts)
	f.mu.Unlock()

	if d := f.delay[prefix]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := f.errs[prefix]; err != nil {
		return nil, err
	}
	return f.listings[prefix], nil
}

func (f *fakeBackend) Download(context.Context, string, backend.DownloadOptions) ([]byte, error) {
	return nil, nil
}
func (f *fakeBackend) PublicURL(string) string                        { return "" }
func (f *fakeBackend) Close() error                                    { return nil }

func file(name string, size int64) backend.ObjectInfo {
	return backend.ObjectInfo{Path: name, Size: size}
}

func dir(name string) backend.ObjectInfo {
	return backend.ObjectInfo{Path: name, IsDir: true}
}

func paths(recs []Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Path)
	}
	return out
}

func TestDiscover_OneOfThreeSubdirsFails(t *testing.T) {
	be := newFake()
	be.listings[""] = []backend.ObjectInfo{dir("P001"), dir("P002"), dir("P003"), file("root.c3d", 10)}
	be.listings["P001"] = []backend.ObjectInfo{file("a.c3d", 1)}
	be.errs["P002"] = errors.New("connection reset by peer")
	be.listings["P003"] = []backend.ObjectInfo{file("b.c3d", 1), file("c.c3d", 2)}

	res, err := NewEngine(be, nil, Options{}).Discover(context.Background())
	require.NoError(t, err)
	assert.False(t, res.HasError())
	assert.ElementsMatch(t, []string{"root.c3d", "P001/a.c3d", "P003/b.c3d", "P003/c.c3d"}, paths(res.Files))
	require.Len(t, res.PartialFailures, 1)
	assert.Equal(t, "P002", res.PartialFailures[0].Subdirectory)
	assert.Equal(t, KindTransient, res.PartialFailures[0].Kind)
}

func TestDiscover_MergeFollowsRootOrder(t *testing.T) {
	be := newFake()
	be.listings[""] = []backend.ObjectInfo{dir("P001"), dir("P002")}
	be.listings["P001"] = []backend.ObjectInfo{file("a.c3d", 1)}
	be.listings["P002"] = []backend.ObjectInfo{file("b.c3d", 1)}
	be.delay["P001"] = 30 * time.Millisecond

	res, err := NewEngine(be, nil, Options{}).Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"P001/a.c3d", "P002/b.c3d"}, paths(res.Files))
}

func TestDiscover_RootFailure(t *testing.T) {
	be := newFake()
	be.errs[""] = fmt.Errorf("list: %w", backend.ErrNotFound)

	res, err := NewEngine(be, nil, Options{}).Discover(context.Background())
	require.Error(t, err)

	var total *TotalDiscoveryError
	require.ErrorAs(t, err, &total)
	assert.Equal(t, KindNotFound, total.Kind())
	assert.ErrorIs(t, err, backend.ErrNotFound)
	assert.True(t, res.HasError())
	assert.Empty(t, res.Files)
	require.Len(t, res.PartialFailures, 1)
	assert.Equal(t, RootLabel, res.PartialFailures[0].Subdirectory)
}

func TestDiscover_AllSubdirsFail(t *testing.T) {
	be := newFake()
	be.listings[""] = []backend.ObjectInfo{dir("P001"), dir("P002")}
	be.errs["P001"] = errors.New("AccessDenied: 403")
	be.errs["P002"] = errors.New("AccessDenied: 403")

	_, err := NewEngine(be, nil, Options{}).Discover(context.Background())
	var total *TotalDiscoveryError
	require.ErrorAs(t, err, &total)
	assert.Len(t, total.Failures, 2)
	assert.Equal(t, KindPermission, total.Kind())
}

func TestDiscover_EmptyBucket(t *testing.T) {
	be := newFake()
	res, err := NewEngine(be, nil, Options{}).Discover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Files)
	assert.Empty(t, res.PartialFailures)
	assert.False(t, res.HasError())
}

func TestDiscover_DropsMarkersAndUnmatchedFolders(t *testing.T) {
	be := newFake()
	be.listings[""] = []backend.ObjectInfo{
		file(".emptyFolderPlaceholder", 0),
		dir("archive"),
		dir("P12"),
		dir("P001"),
		file("notes.txt", 0),
		file("sized.bin", 42),
	}
	be.listings["P001"] = []backend.ObjectInfo{file("x.C3D", 0), dir("nested")}

	res, err := NewEngine(be, nil, Options{}).Discover(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sized.bin", "P001/x.C3D"}, paths(res.Files))
	assert.EqualValues(t, 2, be.calls.Load())
}

func TestDiscover_TimeoutKeepsRecoveredFiles(t *testing.T) {
	be := newFake()
	be.listings[""] = []backend.ObjectInfo{dir("P001"), dir("P002"), file("root.c3d", 1)}
	be.listings["P001"] = []backend.ObjectInfo{file("fast.c3d", 1)}
	be.listings["P002"] = []backend.ObjectInfo{file("slow.c3d", 1)}
	be.delay["P002"] = 5 * time.Second

	res, err := NewEngine(be, nil, Options{Timeout: 100 * time.Millisecond}).Discover(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"root.c3d", "P001/fast.c3d"}, paths(res.Files))
	require.Len(t, res.PartialFailures, 1)
	assert.Equal(t, DeadlineLabel, res.PartialFailures[0].Subdirectory)
	assert.Equal(t, KindTimeout, res.PartialFailures[0].Kind)
}

func TestDiscover_TimeoutWithNothingIsTotal(t *testing.T) {
	be := newFake()
	be.listings[""] = []backend.ObjectInfo{dir("P001")}
	be.delay["P001"] = 5 * time.Second

	_, err := NewEngine(be, nil, Options{Timeout: 50 * time.Millisecond}).Discover(context.Background())
	var total *TotalDiscoveryError
	require.ErrorAs(t, err, &total)
	assert.Equal(t, KindTimeout, total.Kind())
}

func TestDiscover_ConcurrencyCap(t *testing.T) {
	be := newFake()
	for i := 1; i <= 12; i++ {
		name := fmt.Sprintf("P%03d", i)
		be.listings[""] = append(be.listings[""], dir(name))
		be.listings[name] = []backend.ObjectInfo{file("s.c3d", 1)}
		be.delay[name] = 20 * time.Millisecond
	}

	res, err := NewEngine(be, nil, Options{MaxConcurrency: 3}).Discover(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Files, 12)
	assert.LessOrEqual(t, be.peak.Load(), int64(3))
}

func TestDiscover_PageSize(t *testing.T) {
	be := newFake()
	_, err := NewEngine(be, nil, Options{}).Discover(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, be.opts)
	assert.Equal(t, backend.ListOptions{Limit: DefaultPageSize, SortByName: true}, be.opts[0])
}

type fakeAuthz struct{ err error }

func (f fakeAuthz) Session(context.Context, string) (*auth.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &auth.Session{AccessToken: "t"}, nil
}

func TestDiscover_AuthFailFast(t *testing.T) {
	be := newFake()
	be.listings[""] = []backend.ObjectInfo{file("root.c3d", 1)}

	_, err := NewEngine(be, fakeAuthz{err: auth.ErrNoSession}, Options{}).Discover(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuth)
	assert.ErrorIs(t, err, auth.ErrNoSession)
	assert.Zero(t, be.calls.Load())

	res, err := NewEngine(be, fakeAuthz{}, Options{}).Discover(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Files, 1)
}

func TestDiscover_RecordFields(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	be := newFake()
	be.listings[""] = []backend.ObjectInfo{{
		Path: "a.c3d", Size: 9, CreatedAt: created, ModTime: created.Add(time.Hour),
		TherapistID: "therapist-1", Metadata: map[string]string{"player_name": "P1"},
	}}

	res, err := NewEngine(be, nil, Options{}).Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Files, 1)
	r := res.Files[0]
	assert.EqualValues(t, 9, r.SizeBytes)
	assert.Equal(t, created, r.CreatedAt)
	assert.Equal(t, created.Add(time.Hour), r.UpdatedAt)
	assert.Equal(t, "therapist-1", r.TherapistID)
	assert.Equal(t, "P1", r.Metadata["player_name"])
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want FailureKind
	}{
		{context.DeadlineExceeded, KindTimeout},
		{fmt.Errorf("x: %w", auth.ErrSessionExpired), KindAuth},
		{errors.New("JWT expired"), KindAuth},
		{errors.New("status 401"), KindAuth},
		{errors.New("InvalidToken: bad"), KindAuth},
		{fmt.Errorf("get: %w", backend.ErrNotFound), KindNotFound},
		{errors.New("NoSuchBucket: emg"), KindNotFound},
		{errors.New("AccessDenied"), KindPermission},
		{errors.New("permission denied"), KindPermission},
		{errors.New("i/o timeout"), KindTimeout},
		{errors.New("connection reset"), KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
	assert.Equal(t, FailureKind(""), Classify(nil))
}
