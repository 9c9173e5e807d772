package vectorindex

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kailas-cloud/therapist/internal/domain"
)

// mapEmbedder returns fixed vectors for known texts.
type mapEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (m *mapEmbedder) Embed(_ context.Context, text string) (domain.EmbeddingResult, error) {
	if m.err != nil {
		return domain.EmbeddingResult{}, m.err
	}
	v, ok := m.vectors[text]
	if !ok {
		return domain.EmbeddingResult{}, errors.New("unknown text")
	}
	return domain.EmbeddingResult{Embedding: v}, nil
}

func fixtureRecords() []Record {
	return []Record{
		{Passage: domain.Passage{VectorID: 2, Text: "sleep hygiene basics", SourceID: "b.pdf", Page: 1}, Vector: []float32{0, 1, 0}},
		{Passage: domain.Passage{VectorID: 0, Text: "breathing exercise for panic", SourceID: "a.pdf", Page: 1}, Vector: []float32{1, 0, 0}},
		{Passage: domain.Passage{VectorID: 1, Text: "grounding technique 5-4-3-2-1", SourceID: "a.pdf", Page: 2}, Vector: []float32{2, 0, 0}},
		{Passage: domain.Passage{VectorID: 3, Text: "journaling prompts", SourceID: "b.pdf", Page: 2}, Vector: []float32{0.6, 0.8, 0}},
	}
}

func fixtureMeta(f Format) Meta {
	return Meta{
		EmbeddingModelID: "test-model",
		ChunkSizeTokens:  1000,
		CreatedAt:        time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Format:           f,
		Tokenizer:        "words",
	}
}

func writeFixture(t *testing.T, f Format) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "index")
	require.NoError(t, Write(dir, fixtureMeta(f), fixtureRecords()))
	return dir
}

func queryEmbedder() *mapEmbedder {
	return &mapEmbedder{vectors: map[string][]float32{
		"panic": {1, 0, 0},
		"sleep": {0, 3, 0},
		"other": {0, 0, 1},
		"mixed": {1, 1, 0},
		"bad":   {1, 0},
	}}
}

func TestRoundTrip_AllFormats(t *testing.T) {
	for _, f := range []Format{FormatF32, FormatF32Zstd, FormatF32LZ4, FormatGob} {
		t.Run(string(f), func(t *testing.T) {
			dir := writeFixture(t, f)

			r, err := Open(dir, queryEmbedder(), Options{TrustedSource: true, ExpectedModelID: "test-model"})
			require.NoError(t, err)
			assert.Equal(t, 4, r.Len())
			assert.Equal(t, 3, r.Meta().EmbeddingDim)
			assert.Equal(t, MetricCosine, r.Meta().Metric)

			got, err := r.Search(context.Background(), "sleep", 1)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "sleep hygiene basics", got[0].Text)
			assert.InDelta(t, 1.0, got[0].Score, 1e-6)
		})
	}
}

func TestSearch_TiesByAscendingVectorID(t *testing.T) {
	r, err := Open(writeFixture(t, FormatF32), queryEmbedder(), Options{})
	require.NoError(t, err)

	// ids 0 and 1 both point along x and normalize to the same vector
	got, err := r.Search(context.Background(), "panic", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, uint32(0), got[0].VectorID)
	assert.Equal(t, uint32(1), got[1].VectorID)
	assert.Equal(t, uint32(3), got[2].VectorID)
	assert.GreaterOrEqual(t, got[1].Score, got[2].Score)
}

func TestSearch_ScoresNonIncreasing(t *testing.T) {
	r, err := Open(writeFixture(t, FormatF32), queryEmbedder(), Options{})
	require.NoError(t, err)

	got, err := r.Search(context.Background(), "mixed", 10)
	require.NoError(t, err)
	require.Len(t, got, 4, "k larger than the index returns every passage")
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].Score, got[i].Score)
	}
}

func TestSearch_KZeroIsEmpty(t *testing.T) {
	emb := queryEmbedder()
	emb.err = errors.New("must not be called")
	r, err := Open(writeFixture(t, FormatF32), emb, Options{})
	require.NoError(t, err)

	got, err := r.Search(context.Background(), "panic", 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSearch_DimMismatch(t *testing.T) {
	r, err := Open(writeFixture(t, FormatF32), queryEmbedder(), Options{})
	require.NoError(t, err)

	_, err = r.Search(context.Background(), "bad", 2)
	assert.ErrorIs(t, err, domain.ErrVectorDimMismatch)
}

func TestSearchString(t *testing.T) {
	k := 2
	r, err := Open(writeFixture(t, FormatF32), queryEmbedder(), Options{K: &k})
	require.NoError(t, err)

	s, err := r.SearchString(context.Background(), "panic")
	require.NoError(t, err)
	assert.Equal(t, "breathing exercise for panic\ngrounding technique 5-4-3-2-1", s)

	emb := queryEmbedder()
	emb.err = errors.New("ollama down")
	r, err = Open(writeFixture(t, FormatF32), emb, Options{})
	require.NoError(t, err)
	_, err = r.SearchString(context.Background(), "panic")
	assert.ErrorIs(t, err, domain.ErrVectorRetrievalFailed)
}

func TestSearchString_ZeroKYieldsEmpty(t *testing.T) {
	emb := queryEmbedder()
	emb.err = errors.New("must not be called")
	zero := 0
	r, err := Open(writeFixture(t, FormatF32), emb, Options{K: &zero})
	require.NoError(t, err)

	s, err := r.SearchString(context.Background(), "panic")
	require.NoError(t, err)
	assert.Empty(t, s)
}

func TestAsString(t *testing.T) {
	assert.Equal(t, "", AsString(nil))
	assert.Equal(t, "a\nb", AsString([]domain.Passage{{Text: "a"}, {Text: "b"}}))
}

func TestOpen_UntrustedGobRejected(t *testing.T) {
	dir := writeFixture(t, FormatGob)
	_, err := Open(dir, queryEmbedder(), Options{})
	assert.ErrorIs(t, err, domain.ErrUntrustedFormat)
}

func TestOpen_ModelMismatch(t *testing.T) {
	dir := writeFixture(t, FormatF32)
	_, err := Open(dir, queryEmbedder(), Options{ExpectedModelID: "other-model"})
	assert.ErrorIs(t, err, domain.ErrIncompatibleIndex)
}

func TestOpen_BadMeta(t *testing.T) {
	dir := writeFixture(t, FormatF32)
	require.NoError(t, os.WriteFile(filepath.Join(dir, MetaFile), []byte("{not json"), 0o600))

	_, err := Open(dir, queryEmbedder(), Options{})
	assert.ErrorIs(t, err, domain.ErrIncompatibleIndex)
}

func TestOpen_UnknownMetric(t *testing.T) {
	dir := writeFixture(t, FormatF32)
	data, err := os.ReadFile(filepath.Join(dir, MetaFile))
	require.NoError(t, err)
	patched := strings.Replace(string(data), `"cosine"`, `"l2"`, 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, MetaFile), []byte(patched), 0o600))

	_, err = Open(dir, queryEmbedder(), Options{})
	assert.ErrorIs(t, err, domain.ErrIncompatibleIndex)
}

func TestOpen_PayloadMissingRecord(t *testing.T) {
	dir := writeFixture(t, FormatF32)
	path := filepath.Join(dir, PayloadFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.SplitAfter(string(data), "\n")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines[1:], "")), 0o600))

	_, err = Open(dir, queryEmbedder(), Options{})
	assert.ErrorIs(t, err, domain.ErrIndexCorrupt)
}

func TestOpen_PayloadUnknownID(t *testing.T) {
	dir := writeFixture(t, FormatF32)
	path := filepath.Join(dir, PayloadFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"vector_id":99,"text":"x","source_id":"c.pdf","page":1}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(dir, queryEmbedder(), Options{})
	assert.ErrorIs(t, err, domain.ErrIndexCorrupt)
}

func TestOpen_ChecksumMismatch(t *testing.T) {
	dir := writeFixture(t, FormatF32)
	path := filepath.Join(dir, IndexFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[headerSize+5] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err = Open(dir, queryEmbedder(), Options{})
	assert.ErrorIs(t, err, domain.ErrIndexCorrupt)
}

func TestOpen_MissingIndexFile(t *testing.T) {
	dir := writeFixture(t, FormatF32)
	require.NoError(t, os.Remove(filepath.Join(dir, IndexFile)))

	_, err := Open(dir, queryEmbedder(), Options{})
	assert.ErrorIs(t, err, domain.ErrIndexCorrupt)
}

func TestReader_ConcurrentSearch(t *testing.T) {
	r, err := Open(writeFixture(t, FormatF32Zstd), queryEmbedder(), Options{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := r.Search(context.Background(), "sleep", 2)
			if err != nil {
				errs <- err
				return
			}
			if got[0].VectorID != 2 {
				errs <- errors.New("unexpected top hit")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
