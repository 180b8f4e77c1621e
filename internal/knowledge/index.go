package knowledge

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	chromem "github.com/philippgille/chromem-go"

	"helpdesk-backend/internal/dialog"
)

const collectionName = "policies"

// Index is an embedded vector index over policy document chunks.
type Index struct {
	db         *chromem.DB
	collection *chromem.Collection
	embedFunc  chromem.EmbeddingFunc
	log        *slog.Logger

	// MinScore drops hits below this cosine similarity.
	MinScore float32
}

func NewIndex(e Embedder, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db := chromem.NewDB()
	ef := toChromemFunc(e)
	col, err := db.GetOrCreateCollection(collectionName, nil, ef)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &Index{db: db, collection: col, embedFunc: ef, log: logger}, nil
}

// Add embeds and stores chunks.
func (ix *Index) Add(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	docs := make([]chromem.Document, len(chunks))
	for i, c := range chunks {
		docs[i] = chromem.Document{
			ID:       c.ID,
			Content:  c.Content,
			Metadata: map[string]string{"title": c.Title, "source": c.Source},
		}
	}
	return ix.collection.AddDocuments(ctx, docs, 1)
}

// Build chunks every matching file under dir and adds it to the index.
// progress, when set, is called once per file.
func (ix *Index) Build(ctx context.Context, dir string, patterns []string, progress func(file string)) (int, error) {
	fsys := os.DirFS(dir)
	files, err := Discover(fsys, patterns)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, f := range files {
		data, err := fs.ReadFile(fsys, f)
		if err != nil {
			return total, fmt.Errorf("read %s: %w", f, err)
		}
		chunks := ChunkMarkdown(f, data)
		if err := ix.Add(ctx, chunks); err != nil {
			return total, fmt.Errorf("index %s: %w", f, err)
		}
		total += len(chunks)
		if progress != nil {
			progress(f)
		}
	}
	ix.log.Info("policy index built", "dir", dir, "files", len(files), "chunks", total)
	return total, nil
}

// Search returns the best matching chunk, or nil when the index is empty or
// nothing scores above MinScore.
func (ix *Index) Search(ctx context.Context, query string) (*dialog.SearchHit, error) {
	query = strings.TrimSpace(strings.Trim(query, `"'`))
	if query == "" || ix.collection.Count() == 0 {
		return nil, nil
	}
	results, err := ix.collection.Query(ctx, query, 1, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	if len(results) == 0 || results[0].Similarity < ix.MinScore {
		return nil, nil
	}
	r := results[0]
	ix.log.Debug("policy hit", "id", r.ID, "similarity", r.Similarity)
	return &dialog.SearchHit{
		Title:   r.Metadata["title"],
		Source:  r.Metadata["source"],
		Content: r.Content,
		Score:   r.Similarity,
	}, nil
}

func (ix *Index) Count() int {
	return ix.collection.Count()
}

// Persist writes the index to a gzip-compressed gob file.
func (ix *Index) Persist(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	return ix.db.ExportToFile(path, true, "")
}

// Load replaces the index contents with a file written by Persist.
func (ix *Index) Load(path string) error {
	if err := ix.db.ImportFromFile(path, ""); err != nil {
		return fmt.Errorf("import index: %w", err)
	}
	col := ix.db.GetCollection(collectionName, ix.embedFunc)
	if col == nil {
		return fmt.Errorf("collection %q not found in %s", collectionName, path)
	}
	ix.collection = col
	return nil
}
