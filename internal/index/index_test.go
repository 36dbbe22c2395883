package index

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zakupai/etl/internal/docstore"
	"github.com/zakupai/etl/internal/faults"
	"github.com/zakupai/etl/internal/vectorstore"
)

// fakeDocs keys rows by lot_id+"/"+file_name and assigns sequential ids.
type fakeDocs struct {
	mu     sync.Mutex
	rows   map[string]*docstore.Document
	nextID int64
	err    error

	// beforeInsert, when set, runs before TryInsert takes the lock.
	beforeInsert func()
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{rows: make(map[string]*docstore.Document), nextID: 1}
}

func (f *fakeDocs) TryInsert(ctx context.Context, doc docstore.Document) (int64, bool, error) {
	if f.beforeInsert != nil {
		f.beforeInsert()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, false, f.err
	}
	key := doc.LotID + "/" + doc.FileName
	if existing, ok := f.rows[key]; ok {
		return existing.ID, false, nil
	}
	doc.ID = f.nextID
	f.nextID++
	f.rows[key] = &doc
	return doc.ID, true, nil
}

func (f *fakeDocs) GetByKey(ctx context.Context, lotID, fileName string) (*docstore.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if doc, ok := f.rows[lotID+"/"+fileName]; ok {
		return doc, nil
	}
	return nil, docstore.ErrNotFound
}

func (f *fakeDocs) GetByID(ctx context.Context, id int64) (*docstore.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, doc := range f.rows {
		if doc.ID == id {
			return doc, nil
		}
	}
	return nil, docstore.ErrNotFound
}

func (f *fakeDocs) ListIDs(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for _, doc := range f.rows {
		if doc.ID > afterID {
			ids = append(ids, doc.ID)
		}
	}
	// Row order in the map is random; sort for deterministic paging.
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if ids[j] < ids[i] {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

type fakeEmbedder struct {
	mu    sync.Mutex
	dim   int
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return make([]float32, f.dim), nil
}

type fakeVectors struct {
	mu      sync.Mutex
	upserts map[int64]vectorstore.Payload
	err     error
}

func newFakeVectors() *fakeVectors {
	return &fakeVectors{upserts: make(map[int64]vectorstore.Payload)}
}

func (f *fakeVectors) Upsert(ctx context.Context, collection string, docID int64, vector []float32, payload vectorstore.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.upserts[docID] = payload
	return nil
}

func (f *fakeVectors) Exists(ctx context.Context, collection string, docIDs []int64) (map[int64]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int64]bool)
	for _, id := range docIDs {
		if _, ok := f.upserts[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func newIndexer(docs *fakeDocs, embedder *fakeEmbedder, vectors *fakeVectors) *Indexer {
	return New(docs, embedder, vectors, "etl_documents", nil)
}

func TestIndexInserted(t *testing.T) {
	docs := newFakeDocs()
	vectors := newFakeVectors()
	ix := newIndexer(docs, &fakeEmbedder{dim: 4}, vectors)

	res, err := ix.Index(context.Background(), "LOT-257", "спец.pdf", "pdf", "Поставка лаковых покрытий")
	require.NoError(t, err)
	assert.Equal(t, ActionInserted, res.Action)
	assert.Equal(t, int64(1), res.DocID)
	assert.Equal(t, "etl_doc:1", res.VectorID)
	assert.False(t, res.EmbeddingPending)

	payload := vectors.upserts[1]
	assert.Equal(t, "LOT-257", payload.LotID)
	assert.Equal(t, "спец.pdf", payload.FileName)
	assert.Equal(t, Source, payload.Source)
}

func TestIndexDuplicateSameContent(t *testing.T) {
	docs := newFakeDocs()
	embedder := &fakeEmbedder{dim: 4}
	ix := newIndexer(docs, embedder, newFakeVectors())

	first, err := ix.Index(context.Background(), "LOT-1", "a.pdf", "pdf", "text")
	require.NoError(t, err)

	second, err := ix.Index(context.Background(), "LOT-1", "a.pdf", "pdf", "text")
	require.NoError(t, err)
	assert.Equal(t, ActionDuplicateKept, second.Action)
	assert.Equal(t, first.DocID, second.DocID)
	assert.False(t, second.ContentDiffers)
	assert.Equal(t, 1, embedder.calls, "duplicates are not re-embedded")
}

func TestIndexDuplicateDifferingContent(t *testing.T) {
	docs := newFakeDocs()
	ix := newIndexer(docs, &fakeEmbedder{dim: 4}, newFakeVectors())

	_, err := ix.Index(context.Background(), "LOT-1", "a.pdf", "pdf", "original text")
	require.NoError(t, err)

	res, err := ix.Index(context.Background(), "LOT-1", "a.pdf", "pdf", "changed text")
	require.NoError(t, err)
	assert.Equal(t, ActionDuplicateKept, res.Action)
	assert.True(t, res.ContentDiffers)

	stored, err := docs.GetByKey(context.Background(), "LOT-1", "a.pdf")
	require.NoError(t, err)
	assert.Equal(t, "original text", stored.Content, "stored row wins")
}

func TestIndexConcurrentSameKey(t *testing.T) {
	docs := newFakeDocs()
	vectors := newFakeVectors()
	ix := newIndexer(docs, &fakeEmbedder{dim: 4}, vectors)

	// Both writers must reach the store before either inserts.
	var arrive sync.WaitGroup
	arrive.Add(2)
	docs.beforeInsert = func() {
		arrive.Done()
		arrive.Wait()
	}

	var (
		wg      sync.WaitGroup
		results [2]Result
		errs    [2]error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = ix.Index(context.Background(), "LOT-1", "a.pdf", "pdf", "text")
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	inserted, duplicates := 0, 0
	for _, res := range results {
		switch res.Action {
		case ActionInserted:
			inserted++
		case ActionDuplicateKept:
			duplicates++
		}
		assert.Equal(t, int64(1), res.DocID)
	}
	assert.Equal(t, 1, inserted, "exactly one writer wins the insert")
	assert.Equal(t, 1, duplicates)
	assert.Len(t, docs.rows, 1)
	assert.Len(t, vectors.upserts, 1, "only the winner embeds")
}

func TestIndexValidation(t *testing.T) {
	ix := newIndexer(newFakeDocs(), &fakeEmbedder{dim: 4}, newFakeVectors())

	tests := []struct {
		name                     string
		lotID, fileName, content string
	}{
		{"empty lot id", "", "a.pdf", "text"},
		{"empty file name", "LOT-1", "", "text"},
		{"empty content", "LOT-1", "a.pdf", ""},
		{"whitespace content", "LOT-1", "a.pdf", " \n\t "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ix.Index(context.Background(), tt.lotID, tt.fileName, "pdf", tt.content)
			require.Error(t, err)
			assert.Equal(t, faults.KindValidation, faults.KindOf(err))
		})
	}
}

func TestIndexEmbeddingPending(t *testing.T) {
	docs := newFakeDocs()
	embedder := &fakeEmbedder{err: faults.New(faults.KindEmbedUnavailable, "tei down")}
	ix := newIndexer(docs, embedder, newFakeVectors())

	res, err := ix.Index(context.Background(), "LOT-1", "a.pdf", "pdf", "text")
	require.Error(t, err)
	assert.Equal(t, faults.KindEmbedUnavailable, faults.KindOf(err))
	assert.Equal(t, ActionInserted, res.Action)
	assert.True(t, res.EmbeddingPending)
	assert.NotZero(t, res.DocID, "row persisted even though embedding failed")
}

func TestIndexVectorStoreFailure(t *testing.T) {
	vectors := newFakeVectors()
	vectors.err = faults.New(faults.KindVectorUnavailable, "qdrant down")
	ix := newIndexer(newFakeDocs(), &fakeEmbedder{dim: 4}, vectors)

	res, err := ix.Index(context.Background(), "LOT-1", "a.pdf", "pdf", "text")
	require.Error(t, err)
	assert.Equal(t, faults.KindVectorUnavailable, faults.KindOf(err))
	assert.True(t, res.EmbeddingPending)
}

func TestReconcile(t *testing.T) {
	docs := newFakeDocs()
	embedder := &fakeEmbedder{dim: 4}
	vectors := newFakeVectors()
	ix := newIndexer(docs, embedder, vectors)

	// Two healthy documents, then one orphan written while the vector
	// store was down.
	_, err := ix.Index(context.Background(), "LOT-1", "a.pdf", "pdf", "text a")
	require.NoError(t, err)
	_, err = ix.Index(context.Background(), "LOT-1", "b.pdf", "pdf", "text b")
	require.NoError(t, err)

	vectors.err = faults.New(faults.KindVectorUnavailable, "down")
	_, err = ix.Index(context.Background(), "LOT-2", "c.pdf", "pdf", "text c")
	require.Error(t, err)
	vectors.err = nil

	repaired, err := ix.Reconcile(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)
	assert.Len(t, vectors.upserts, 3)
}

func TestReconcileNothingToDo(t *testing.T) {
	ix := newIndexer(newFakeDocs(), &fakeEmbedder{dim: 4}, newFakeVectors())
	repaired, err := ix.Reconcile(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, repaired)
}
