package search

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zakupai/etl/internal/docstore"
	"github.com/zakupai/etl/internal/faults"
	"github.com/zakupai/etl/internal/vectorstore"
)

type fakeEmbedder struct {
	err error
}

func (f fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeVectors struct {
	hits []vectorstore.Hit
	err  error
	seen struct {
		collection string
		k          int
	}
}

func (f *fakeVectors) TopK(ctx context.Context, collection string, vector []float32, k int) ([]vectorstore.Hit, error) {
	f.seen.collection = collection
	f.seen.k = k
	if f.err != nil {
		return nil, f.err
	}
	if len(f.hits) > k {
		return f.hits[:k], nil
	}
	return f.hits, nil
}

type fakeDocs struct {
	docs map[int64]*docstore.Document
}

func (f fakeDocs) GetByIDs(ctx context.Context, ids []int64) (map[int64]*docstore.Document, error) {
	out := make(map[int64]*docstore.Document)
	for _, id := range ids {
		if d, ok := f.docs[id]; ok {
			out[id] = d
		}
	}
	return out, nil
}

func doc(id int64, lotID, fileName, content string) *docstore.Document {
	return &docstore.Document{ID: id, LotID: lotID, FileName: fileName, Content: content}
}

func newService(vectors *fakeVectors, docs fakeDocs) *Service {
	return New(fakeEmbedder{}, vectors, docs, "etl_documents", nil)
}

func TestSearch(t *testing.T) {
	vectors := &fakeVectors{hits: []vectorstore.Hit{
		{DocID: 1, VectorID: "etl_doc:1", Score: 0.8, Metadata: map[string]any{
			"vector_id": "etl_doc:1", "doc_id": int64(1), "lot_id": "LOT-1",
			"file_name": "спец.pdf", "source": "etl_documents",
		}},
		{DocID: 2, VectorID: "etl_doc:2", Score: 0.4},
	}}
	docs := fakeDocs{docs: map[int64]*docstore.Document{
		1: doc(1, "LOT-1", "спец.pdf", "Поставка лаковых покрытий для паркета"),
		2: doc(2, "LOT-2", "договор.pdf", "Договор поставки"),
	}}

	results, err := newService(vectors, docs).Search(context.Background(), Params{Query: "лак"})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, int64(1), results[0].DocID)
	assert.Equal(t, "LOT-1", results[0].LotID)
	assert.InDelta(t, 0.9, results[0].Score, 1e-6, "cosine 0.8 normalises to 0.9")
	assert.InDelta(t, 0.7, results[1].Score, 1e-6)
	assert.Contains(t, results[0].Preview, "лаковых")

	// The stored payload is forwarded; the row overrides its own fields.
	assert.Equal(t, "etl_documents", results[0].Metadata["source"])
	assert.Equal(t, "etl_doc:1", results[0].Metadata["vector_id"])
	assert.Equal(t, "LOT-1", results[0].Metadata["lot_id"])
	assert.Equal(t, "договор.pdf", results[1].Metadata["file_name"])

	assert.Equal(t, "etl_documents", vectors.seen.collection)
	assert.Equal(t, DefaultTopK, vectors.seen.k)
}

func TestSearchValidation(t *testing.T) {
	svc := newService(&fakeVectors{}, fakeDocs{})

	tests := []struct {
		name   string
		params Params
	}{
		{"empty query", Params{Query: ""}},
		{"whitespace query", Params{Query: "   "}},
		{"query too long", Params{Query: strings.Repeat("я", MaxQueryChars+1)}},
		{"top_k negative", Params{Query: "лак", TopK: -1}},
		{"top_k too large", Params{Query: "лак", TopK: MaxTopK + 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Search(context.Background(), tt.params)
			require.Error(t, err)
			assert.Equal(t, faults.KindValidation, faults.KindOf(err))
		})
	}
}

func TestSearchQueryAtLimits(t *testing.T) {
	vectors := &fakeVectors{}
	svc := newService(vectors, fakeDocs{})

	_, err := svc.Search(context.Background(), Params{Query: strings.Repeat("я", MaxQueryChars)})
	require.NoError(t, err, "512 runes is still valid")

	_, err = svc.Search(context.Background(), Params{Query: "лак", TopK: MaxTopK})
	require.NoError(t, err)
	assert.Equal(t, MaxTopK, vectors.seen.k)
}

func TestSearchDropsHitsWithoutRow(t *testing.T) {
	vectors := &fakeVectors{hits: []vectorstore.Hit{
		{DocID: 1, Score: 0.9},
		{DocID: 7, Score: 0.5},
	}}
	docs := fakeDocs{docs: map[int64]*docstore.Document{
		1: doc(1, "LOT-1", "a.pdf", "текст"),
	}}

	results, err := newService(vectors, docs).Search(context.Background(), Params{Query: "лак"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(1), results[0].DocID)
}

func TestSearchTieBreaksOnDocID(t *testing.T) {
	vectors := &fakeVectors{hits: []vectorstore.Hit{
		{DocID: 9, Score: 0.5},
		{DocID: 3, Score: 0.5},
		{DocID: 6, Score: 0.5},
	}}
	docs := fakeDocs{docs: map[int64]*docstore.Document{
		3: doc(3, "L", "a.pdf", "x"),
		6: doc(6, "L", "b.pdf", "x"),
		9: doc(9, "L", "c.pdf", "x"),
	}}

	results, err := newService(vectors, docs).Search(context.Background(), Params{Query: "q"})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []int64{3, 6, 9}, []int64{results[0].DocID, results[1].DocID, results[2].DocID})
}

func TestSearchCustomCollection(t *testing.T) {
	vectors := &fakeVectors{}
	svc := newService(vectors, fakeDocs{})

	_, err := svc.Search(context.Background(), Params{Query: "лак", Collection: "archive_2023"})
	require.NoError(t, err)
	assert.Equal(t, "archive_2023", vectors.seen.collection)
}

func TestSearchEmbedderFailure(t *testing.T) {
	svc := New(fakeEmbedder{err: faults.New(faults.KindEmbedUnavailable, "tei down")}, &fakeVectors{}, fakeDocs{}, "etl_documents", nil)

	_, err := svc.Search(context.Background(), Params{Query: "лак"})
	require.Error(t, err)
	assert.Equal(t, faults.KindEmbedUnavailable, faults.KindOf(err))
}

func TestSearchEmptyHits(t *testing.T) {
	results, err := newService(&fakeVectors{}, fakeDocs{}).Search(context.Background(), Params{Query: "лак"})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "a b c", preview("a\nb\n\nc"))

	long := strings.Repeat("я", PreviewChars+50)
	p := preview(long)
	assert.Equal(t, PreviewChars, len([]rune(p)))
}
