package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/emudata/harvester/internal/browser"
	"github.com/emudata/harvester/internal/common"
	"github.com/emudata/harvester/internal/dataset"
	"github.com/emudata/harvester/internal/models"
)

// stubSession is a healthy scripted session: every operation succeeds and
// CaptureOutput writes real bytes so the sample ends up complete on disk.
type stubSession struct {
	mu        sync.Mutex
	profile   string
	startErr  error
	submitted []string
}

func (s *stubSession) Start(ctx context.Context) error { return s.startErr }

func (s *stubSession) Authenticate(ctx context.Context) error { return nil }

func (s *stubSession) IsAuthenticated(ctx context.Context) bool { return true }

func (s *stubSession) SubmitPrompt(ctx context.Context, imagePath, promptText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, imagePath)
	return nil
}

func (s *stubSession) WaitForGeneration(ctx context.Context) (browser.GenerationStatus, error) {
	return browser.GenerationReady, nil
}

func (s *stubSession) CaptureOutput(ctx context.Context, destPath string) error {
	return os.WriteFile(destPath, []byte("pngdata"), 0644)
}

func (s *stubSession) ResetConversation(ctx context.Context) error { return nil }

func (s *stubSession) Close() error { return nil }

// stubFactory hands out one stub session per profile and remembers them.
type stubFactory struct {
	mu       sync.Mutex
	startErr error
	sessions []*stubSession
}

func (f *stubFactory) factory(profileDir string) browser.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &stubSession{profile: profileDir, startErr: f.startErr}
	f.sessions = append(f.sessions, s)
	return s
}

type memorySink struct {
	mu        sync.Mutex
	summaries []*models.RunSummary
}

func (m *memorySink) SaveSummary(summary *models.RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries = append(m.summaries, summary)
	return nil
}

func testConfig(t *testing.T, root string, workers int) *common.Config {
	t.Helper()
	cfg := common.NewDefaultConfig()
	cfg.Dataset.Root = root
	cfg.Dispatch.Workers = workers
	cfg.Dispatch.ProfilesDir = t.TempDir()
	cfg.Dispatch.ClaimTimeout = "50ms"
	cfg.Dispatch.ItemPause = "1ms"
	cfg.Dispatch.BackoffBase = "1ms"
	cfg.Browser.AssumeAuthorized = true
	cfg.Storage.StatsDir = t.TempDir()
	return cfg
}

func makeDataset(t *testing.T, eligible, complete int) string {
	t.Helper()
	root := t.TempDir()
	for i := 0; i < eligible; i++ {
		dir := filepath.Join(root, "pending-"+string(rune('a'+i)))
		require.NoError(t, os.MkdirAll(dir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, models.InputImageFile), []byte("jpg"), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, models.PromptFile), []byte("prompt"), 0644))
	}
	for i := 0; i < complete; i++ {
		dir := filepath.Join(root, "done-"+string(rune('a'+i)))
		require.NoError(t, os.MkdirAll(dir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, models.InputImageFile), []byte("jpg"), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, models.PromptFile), []byte("prompt"), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, models.OutputImage), []byte("png"), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, models.OutputNote), []byte("note"), 0644))
	}
	return root
}

func TestDispatcher_Run(t *testing.T) {
	root := makeDataset(t, 4, 2)
	cfg := testConfig(t, root, 2)
	factory := &stubFactory{}

	d := New(cfg, factory.factory, arbor.NewLogger())
	summary, err := d.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, summary)

	assert.Equal(t, 4, summary.Processed)
	assert.Equal(t, 4, summary.Successful)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, 2, summary.Workers)
	assert.Equal(t, 0, summary.DeadWorkers)
	assert.True(t, summary.Success())

	// Each worker slot got its own profile directory.
	require.Len(t, factory.sessions, 2)
	assert.NotEqual(t, factory.sessions[0].profile, factory.sessions[1].profile)

	// Every item was submitted exactly once across the pool.
	seen := make(map[string]int)
	total := 0
	for _, s := range factory.sessions {
		for _, path := range s.submitted {
			seen[path]++
			total++
		}
	}
	assert.Equal(t, 4, total)
	assert.Len(t, seen, 4)

	// The run summary file landed in the stats directory.
	entries, err := os.ReadDir(cfg.Storage.StatsDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "harvest_stats_")
}

func TestDispatcher_RerunIsNoOp(t *testing.T) {
	root := makeDataset(t, 2, 1)
	cfg := testConfig(t, root, 1)
	factory := &stubFactory{}
	d := New(cfg, factory.factory, arbor.NewLogger())

	summary, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Successful)

	// Everything is complete now: the second pass starts no browsers and
	// still counts as a successful run.
	summary, err = d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, 3, summary.Skipped)
	assert.True(t, summary.Success())
	assert.Len(t, factory.sessions, 1, "no new sessions on a no-op rerun")
}

func TestDispatcher_AllWorkersFailInit(t *testing.T) {
	root := makeDataset(t, 3, 0)
	cfg := testConfig(t, root, 2)
	cfg.Dispatch.InitRetries = 2
	factory := &stubFactory{startErr: browser.ErrSessionInit}

	d := New(cfg, factory.factory, arbor.NewLogger())
	summary, err := d.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, summary)

	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, 0, summary.Successful)
	assert.Equal(t, 2, summary.DeadWorkers)
	assert.False(t, summary.Success())
}

func TestDispatcher_MissingDatasetRoot(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "absent"), 1)
	d := New(cfg, (&stubFactory{}).factory, arbor.NewLogger())

	_, err := d.Run(context.Background())
	assert.ErrorIs(t, err, dataset.ErrDatasetNotFound)
}

func TestDispatcher_OperatorGate(t *testing.T) {
	t.Run("declined", func(t *testing.T) {
		root := makeDataset(t, 2, 0)
		cfg := testConfig(t, root, 1)
		cfg.Browser.AssumeAuthorized = false
		factory := &stubFactory{}

		var out bytes.Buffer
		d := New(cfg, factory.factory, arbor.NewLogger()).
			WithOperatorIO(strings.NewReader("n\n"), &out)

		summary, err := d.Run(context.Background())
		assert.ErrorIs(t, err, ErrOperatorDeclined)
		require.NotNil(t, summary)
		assert.Equal(t, 0, summary.Processed)
		assert.Contains(t, out.String(), "MANUAL LOGIN")
	})

	t.Run("confirmed", func(t *testing.T) {
		root := makeDataset(t, 2, 0)
		cfg := testConfig(t, root, 1)
		cfg.Browser.AssumeAuthorized = false
		factory := &stubFactory{}

		var out bytes.Buffer
		d := New(cfg, factory.factory, arbor.NewLogger()).
			WithOperatorIO(strings.NewReader("y\n"), &out)

		summary, err := d.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, summary.Successful)
	})
}

func TestDispatcher_HistorySink(t *testing.T) {
	root := makeDataset(t, 1, 0)
	cfg := testConfig(t, root, 1)
	sink := &memorySink{}

	d := New(cfg, (&stubFactory{}).factory, arbor.NewLogger()).WithHistory(sink)
	summary, err := d.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, sink.summaries, 1)
	assert.Equal(t, summary.RunID, sink.summaries[0].RunID)
}

func TestDispatcher_PartialWorkerDeathKeepsRunAlive(t *testing.T) {
	root := makeDataset(t, 4, 0)
	cfg := testConfig(t, root, 2)
	cfg.Dispatch.InitRetries = 1

	// First slot comes up fine, second never starts.
	calls := 0
	var mu sync.Mutex
	good := &stubFactory{}
	factory := func(profileDir string) browser.Session {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 2 {
			return &stubSession{profile: profileDir, startErr: errors.New("chrome refused to start")}
		}
		return good.factory(profileDir)
	}

	d := New(cfg, factory, arbor.NewLogger())
	summary, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Processed)
	assert.Equal(t, 4, summary.Successful)
	assert.Equal(t, 1, summary.DeadWorkers)
	assert.True(t, summary.Success())
}
