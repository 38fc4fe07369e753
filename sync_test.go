package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fetchCall records one transfer; Patterns is the filter list as it was on
// disk when the transfer ran.
type fetchCall struct {
	Subtree  string
	Dest     string
	Filter   string
	Patterns []string
}

// fakeTransport stages the given index files on Fetch and records calls.
type fakeTransport struct {
	index       map[string]string
	fetchErr    error
	filteredErr error
	calls       []fetchCall
	closed      bool
}

func (f *fakeTransport) Fetch(ctx context.Context, subtree, dest string) (*TransferResult, error) {
	f.calls = append(f.calls, fetchCall{Subtree: subtree, Dest: dest})
	for name, content := range f.index {
		p := filepath.Join(dest, subtree, name)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			return nil, err
		}
	}
	if f.fetchErr != nil {
		return &TransferResult{ExitCode: 23}, f.fetchErr
	}
	return &TransferResult{}, nil
}

func (f *fakeTransport) FetchFiltered(ctx context.Context, subtree, dest, filterPath string) (*TransferResult, error) {
	patterns, err := ReadFilterList(afero.NewOsFs(), filterPath)
	if err != nil {
		return nil, err
	}
	f.calls = append(f.calls, fetchCall{Subtree: subtree, Dest: dest, Filter: filterPath, Patterns: patterns})
	if f.filteredErr != nil {
		return &TransferResult{ExitCode: 12, Stderr: "rsync error: error in rsync protocol data stream\n"}, f.filteredErr
	}
	return &TransferResult{}, nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func syncFixture(t *testing.T) (*Config, *fakeTransport) {
	t.Helper()
	root := t.TempDir()

	cfg := DefaultConfig()
	cfg.LocalRoot = filepath.Join(root, "live")
	cfg.StagingRoot = filepath.Join(root, "staging")
	require.NoError(t, cfg.Validate())
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.LocalRoot, "all", "GCF", "000", "002", "GCF_2"), 0755))

	transport := &fakeTransport{
		index: map[string]string{
			"assembly_summary_refseq.txt": joinLines(
				"# assembly_accession\tbioproject",
				summaryRow("GCF_1", defaultArchivePrefix+"all/GCF/000/001/GCF_1"),
				summaryRow("GCF_2", defaultArchivePrefix+"all/GCF/000/002/GCF_2"),
			),
			"assembly_summary_genbank.txt": joinLines(
				summaryRow("GCA_3", "na"),
				summaryRow("GCA_4", defaultArchivePrefix+"all/GCA/000/004/GCA_4"),
			),
			"README_assembly_summary.txt": "not an index\n",
		},
	}
	return cfg, transport
}

func joinLines(lines ...string) string {
	var b bytes.Buffer
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return b.String()
}

// assertUnlocked checks the lock was released and its file left in place.
func assertUnlocked(t *testing.T, cfg *Config) {
	t.Helper()
	path := filepath.Join(cfg.StagingRoot, lockFile)
	assert.FileExists(t, path)

	next := flock.New(path)
	locked, err := next.TryLock()
	require.NoError(t, err)
	assert.True(t, locked)
	require.NoError(t, next.Unlock())
}

func TestSyncer_Run(t *testing.T) {
	cfg, transport := syncFixture(t)
	var stderr bytes.Buffer

	err := NewSyncer(cfg, afero.NewOsFs(), transport, NewProgress(&stderr, defaultProgressEvery)).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, transport.calls, 2)
	assert.Equal(t, fetchCall{Subtree: "ASSEMBLY_REPORTS", Dest: cfg.StagingRoot}, transport.calls[0])

	bulk := transport.calls[1]
	assert.Equal(t, "all", bulk.Subtree)
	assert.Equal(t, cfg.StagingRoot, bulk.Dest)
	assert.Equal(t, filepath.Join(cfg.StagingRoot, "rsync.list"), bulk.Filter)

	// summaries are scanned in directory order: genbank before refseq
	assert.Equal(t, []string{
		"all", "all/GCA", "all/GCA/000", "all/GCA/000/004", "all/GCA/000/004/GCA_4", "all/GCA/000/004/GCA_4/*",
		"all", "all/GCF", "all/GCF/000", "all/GCF/000/001", "all/GCF/000/001/GCF_1", "all/GCF/000/001/GCF_1/*",
	}, bulk.Patterns)

	assert.Contains(t, stderr.String(), "all/GCA/000/004/GCA_4 is missing\n")
	assert.Contains(t, stderr.String(), "all/GCF/000/001/GCF_1 is missing\n")
	assert.NotContains(t, stderr.String(), "GCF_2 is missing")

	// the live mirror is never written
	entries, err := os.ReadDir(cfg.LocalRoot)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	assertUnlocked(t, cfg)
}

func TestSyncer_Run_NothingMissing(t *testing.T) {
	cfg, transport := syncFixture(t)
	transport.index = map[string]string{
		"assembly_summary.txt": joinLines(summaryRow("GCF_2", defaultArchivePrefix+"all/GCF/000/002/GCF_2")),
	}

	err := NewSyncer(cfg, afero.NewOsFs(), transport, NewProgress(&bytes.Buffer{}, defaultProgressEvery)).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, transport.calls, 2)
	assert.Empty(t, transport.calls[1].Patterns)
}

func TestSyncer_Run_FetchFailures(t *testing.T) {
	t.Run("nonzero exit continues", func(t *testing.T) {
		cfg, transport := syncFixture(t)
		transport.fetchErr = ErrTransferFailed

		err := NewSyncer(cfg, afero.NewOsFs(), transport, NewProgress(&bytes.Buffer{}, defaultProgressEvery)).Run(context.Background())
		require.NoError(t, err)
		assert.Len(t, transport.calls, 2)
	})

	for _, fatal := range []error{ErrToolNotFound, ErrTimeout} {
		t.Run(fatal.Error(), func(t *testing.T) {
			cfg, transport := syncFixture(t)
			transport.fetchErr = fatal

			err := NewSyncer(cfg, afero.NewOsFs(), transport, NewProgress(&bytes.Buffer{}, defaultProgressEvery)).Run(context.Background())
			assert.ErrorIs(t, err, fatal)
			assert.Len(t, transport.calls, 1)
			assertUnlocked(t, cfg)
		})
	}
}

func TestSyncer_Run_TransferFailure(t *testing.T) {
	cfg, transport := syncFixture(t)
	transport.filteredErr = ErrTransferFailed

	err := NewSyncer(cfg, afero.NewOsFs(), transport, NewProgress(&bytes.Buffer{}, defaultProgressEvery)).Run(context.Background())
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.Contains(t, err.Error(), "bulk transfer")
}

func TestSyncer_Run_MalformedIndexAborts(t *testing.T) {
	cfg, transport := syncFixture(t)
	transport.index = map[string]string{
		"assembly_summary.txt": joinLines(summaryRow("GCF_1", defaultArchivePrefix+"all/A"), "GCF_2\ttruncated"),
	}

	err := NewSyncer(cfg, afero.NewOsFs(), transport, NewProgress(&bytes.Buffer{}, defaultProgressEvery)).Run(context.Background())
	assert.ErrorIs(t, err, ErrMalformedRow)
	assert.Len(t, transport.calls, 1)

	// the partial filter list stays behind
	data, err := os.ReadFile(filepath.Join(cfg.StagingRoot, "rsync.list"))
	require.NoError(t, err)
	assert.Equal(t, "all\nall/A\nall/A/*\n", string(data))
}

func TestSyncer_Locked(t *testing.T) {
	cfg, transport := syncFixture(t)
	require.NoError(t, os.MkdirAll(cfg.StagingRoot, 0755))

	other := flock.New(filepath.Join(cfg.StagingRoot, lockFile))
	locked, err := other.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer other.Unlock()

	err = NewSyncer(cfg, afero.NewOsFs(), transport, NewProgress(&bytes.Buffer{}, defaultProgressEvery)).Run(context.Background())
	assert.ErrorIs(t, err, ErrStagingLocked)
	assert.Empty(t, transport.calls)
}

func TestSyncer_Scan(t *testing.T) {
	cfg, transport := syncFixture(t)
	_, err := transport.Fetch(context.Background(), cfg.IndexSubtree, cfg.StagingRoot)
	require.NoError(t, err)

	stats, err := NewSyncer(cfg, afero.NewOsFs(), nil, NewProgress(&bytes.Buffer{}, defaultProgressEvery)).Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ScanStats{Rows: 5, Comments: 1, Skipped: 1, Present: 1, Missing: 2}, stats)
	assert.FileExists(t, filepath.Join(cfg.StagingRoot, "rsync.list"))
}

func TestSyncer_Scan_NoIndexDir(t *testing.T) {
	cfg, _ := syncFixture(t)
	_, err := NewSyncer(cfg, afero.NewOsFs(), nil, NewProgress(&bytes.Buffer{}, defaultProgressEvery)).Scan(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list index directory")
}

func TestLastLines(t *testing.T) {
	assert.Equal(t, "c\nd", lastLines("a\nb\nc\nd\n", 2))
	assert.Equal(t, "a", lastLines("a", 5))
}
