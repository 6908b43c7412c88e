package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrontMatter(t *testing.T) {
	title, tags, body, err := parseFrontMatter("---\ntitle: Budgets 101\ncompetency: relevant\nlevel: 2\ntags:\n  area: finance\n---\n# Budgets\nPlan first.\n")
	require.NoError(t, err)
	assert.Equal(t, "Budgets 101", title)
	assert.Equal(t, map[string]string{"competency": "relevant", "level": "2", "area": "finance"}, tags)
	assert.Equal(t, "# Budgets\nPlan first.\n", body)
}

func TestParseFrontMatterAbsent(t *testing.T) {
	title, tags, body, err := parseFrontMatter("# Just markdown\n")
	require.NoError(t, err)
	assert.Empty(t, title)
	assert.Empty(t, tags)
	assert.Equal(t, "# Just markdown\n", body)
}

func TestParseFrontMatterUnterminated(t *testing.T) {
	_, _, _, err := parseFrontMatter("---\ntitle: x\n# body")
	assert.Error(t, err)
}

func TestSplitChunks(t *testing.T) {
	assert.Equal(t, []string{"short note"}, splitChunks("short note\n"))
	assert.Empty(t, splitChunks("  \n\n"))

	var b strings.Builder
	for i := 0; i < 60; i++ {
		b.WriteString("Cash flow planning keeps the runway visible every week.\n")
	}
	chunks := splitChunks(b.String())
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks[:len(chunks)-1] {
		assert.LessOrEqual(t, len(c), chunkMax)
	}
}

func TestFilterMatches(t *testing.T) {
	tags := map[string]string{"competency": "Relevant", "area": "finance"}
	assert.True(t, Filter{}.Matches(tags))
	assert.True(t, Filter{"competency": "relevant"}.Matches(tags))
	assert.False(t, Filter{"competency": "relevant", "area": "sales"}.Matches(tags))
	assert.False(t, Filter{"missing": "x"}.Matches(tags))
}

// wordEmbedder maps texts onto a few topic axes.
type wordEmbedder struct{}

func (wordEmbedder) Dimension() int { return 4 }

func (wordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		l := strings.ToLower(t)
		out[i] = []float32{
			float32(strings.Count(l, "budget") + strings.Count(l, "spend")),
			float32(strings.Count(l, "hiring")),
			float32(strings.Count(l, "launch")),
			0.1,
		}
	}
	return out, nil
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func newTestIndex(t *testing.T, withVectors bool) (*Index, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "kb")
	require.NoError(t, os.MkdirAll(root, 0o755))
	writeFile(t, root, "budget.md", "---\ntitle: Budgeting\ncompetency: relevant\n---\nA budget caps how much you can spend each month. Review the budget weekly.\n")
	writeFile(t, root, "hiring.md", "---\ncompetency: relevant\n---\nHiring plans follow the budget, not the other way round.\n")
	writeFile(t, root, "nested/launch.md", "---\ncompetency: advanced\n---\nLaunch checklists and budget reviews for the launch week.\n")
	writeFile(t, root, "notes.txt", "budget budget budget")

	cfg := IndexConfig{
		Paths:  []string{root},
		DBPath: filepath.Join(t.TempDir(), "index.db"),
		Logger: zerolog.Nop(),
	}
	if withVectors {
		cfg.Embedder = wordEmbedder{}
	}
	idx, err := NewIndex(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx, root
}

func TestNewIndexValidation(t *testing.T) {
	_, err := NewIndex(IndexConfig{DBPath: filepath.Join(t.TempDir(), "x.db")})
	assert.Error(t, err)
	_, err = NewIndex(IndexConfig{Paths: []string{t.TempDir()}})
	assert.Error(t, err)
}

func TestIndexSyncAndRetrieve(t *testing.T) {
	for _, withVectors := range []bool{false, true} {
		name := "keyword"
		if withVectors {
			name = "hybrid"
		}
		t.Run(name, func(t *testing.T) {
			idx, _ := newTestIndex(t, withVectors)
			ctx := context.Background()

			report, err := idx.Sync(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, report.Indexed)
			assert.Zero(t, report.Failed)

			docs, err := idx.Retrieve(ctx, "What's my budget?", Filter{"competency": "relevant"}, 3)
			require.NoError(t, err)
			require.NotEmpty(t, docs)
			for _, d := range docs {
				assert.Equal(t, "relevant", d.Tags["competency"])
				assert.NotContains(t, d.Source, "launch")
			}
			assert.Equal(t, "kb/budget.md", docs[0].Source)
			assert.Equal(t, "Budgeting", docs[0].Title)

			docs, err = idx.Retrieve(ctx, "budget", nil, 1)
			require.NoError(t, err)
			assert.Len(t, docs, 1)

			status := idx.Status()
			assert.Equal(t, 3, status.Documents)
			assert.Equal(t, withVectors, status.Vectors)
			assert.False(t, status.IsDirty)
		})
	}
}

func TestIndexRetrieveEmptyQuery(t *testing.T) {
	idx, _ := newTestIndex(t, false)
	docs, err := idx.Retrieve(context.Background(), "   ", nil, 3)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestIndexResyncSkipsUnchangedAndPrunesDeleted(t *testing.T) {
	idx, root := newTestIndex(t, true)
	ctx := context.Background()

	_, err := idx.Sync(ctx)
	require.NoError(t, err)

	report, err := idx.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Indexed)
	assert.Equal(t, 3, report.Skipped)

	writeFile(t, root, "hiring.md", "---\ncompetency: relevant\n---\nHiring now waits for the launch.\n")
	require.NoError(t, os.Remove(filepath.Join(root, "budget.md")))

	report, err = idx.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Indexed)
	assert.Equal(t, 1, report.Pruned)

	docs, err := idx.Documents(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	for _, d := range docs {
		assert.NotEqual(t, "kb/budget.md", d.Source)
	}

	found, err := idx.Retrieve(ctx, "budget spend", Filter{"competency": "relevant"}, 5)
	require.NoError(t, err)
	for _, d := range found {
		assert.NotEqual(t, "kb/budget.md", d.Source)
	}
	rate := idx.Status().EmbeddingCacheHitRate
	require.NotNil(t, rate)
}

func TestIndexMissingRootIsEmpty(t *testing.T) {
	idx, err := NewIndex(IndexConfig{
		Paths:  []string{filepath.Join(t.TempDir(), "absent")},
		DBPath: filepath.Join(t.TempDir(), "index.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	defer idx.Close()

	report, err := idx.Sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Indexed)
}

func TestWatcherResyncsOnChange(t *testing.T) {
	idx, root := newTestIndex(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := idx.Sync(ctx)
	require.NoError(t, err)

	w, err := idx.WatchPaths(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	defer w.Stop()

	writeFile(t, root, "pricing.md", "---\ncompetency: relevant\n---\nPricing experiments need a spend cap.\n")

	require.Eventually(t, func() bool {
		return idx.Status().Documents == 4
	}, 5*time.Second, 50*time.Millisecond)
}

func TestMerge(t *testing.T) {
	ranked := merge(
		map[string]float64{"a": 1, "b": -1},
		map[string]float64{"b": 4, "c": 2},
		0.5, 0.5,
	)
	require.Len(t, ranked, 3)
	// ties break on chunk ID
	assert.Equal(t, "a", ranked[0].chunkID)
	assert.Equal(t, "b", ranked[1].chunkID)
	assert.Equal(t, "c", ranked[2].chunkID)
	assert.InDelta(t, 0.5, ranked[0].score, 1e-9)
	assert.InDelta(t, 0.5, ranked[1].score, 1e-9)
	assert.InDelta(t, 0.25, ranked[2].score, 1e-9)
}

func TestQueryTerms(t *testing.T) {
	assert.Equal(t, []string{"what", "my", "budget"}, queryTerms("What's my budget? budget!"))
}
