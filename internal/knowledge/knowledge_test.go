package knowledge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	openai "github.com/sashabaranov/go-openai"
)

// mockEmbedder returns deterministic vectors built from the words of a text,
// so texts sharing words land close together.
type mockEmbedder struct{ dims int }

func (m mockEmbedder) Name() string { return "mock" }

func (m mockEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec := make([]float32, m.dims)
		for _, w := range strings.Fields(strings.ToLower(t)) {
			h := 0
			for _, c := range strings.Trim(w, ".,:;!?#") {
				h = h*31 + int(c)
			}
			if h < 0 {
				h = -h
			}
			vec[h%m.dims]++
		}
		var norm float64
		for _, v := range vec {
			norm += float64(v * v)
		}
		norm = math.Sqrt(norm)
		if norm > 0 {
			for j := range vec {
				vec[j] = float32(float64(vec[j]) / norm)
			}
		}
		out[i] = vec
	}
	return out, nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

const leavePolicy = `Intro text about the handbook.

# Annual leave

Employees receive twenty days of annual leave per calendar year.

## Sick leave

Sick leave requires a medical certificate after three consecutive days.

# Travel

Book travel through the travel portal at least two weeks ahead.
`

func TestChunkMarkdown(t *testing.T) {
	chunks := ChunkMarkdown("hr/leave.md", []byte(leavePolicy))
	if len(chunks) != 4 {
		t.Fatalf("got %d chunks: %+v", len(chunks), chunks)
	}
	wantTitles := []string{"leave", "Annual leave", "Sick leave", "Travel"}
	for i, c := range chunks {
		if c.Title != wantTitles[i] {
			t.Errorf("chunk %d title = %q, want %q", i, c.Title, wantTitles[i])
		}
		if c.Source != "hr/leave.md" {
			t.Errorf("chunk %d source = %q", i, c.Source)
		}
	}
	if !strings.HasPrefix(chunks[2].Content, "## Sick leave") || !strings.Contains(chunks[2].Content, "medical certificate") {
		t.Errorf("sick leave chunk = %q", chunks[2].Content)
	}
	if chunks[0].ID == chunks[1].ID {
		t.Error("chunk ids must be unique")
	}
}

func TestChunkMarkdownSplitsLongSections(t *testing.T) {
	para := strings.Repeat("word ", 300)
	doc := "# Big\n\n" + para + "\n\n" + para + "\n\n" + para
	chunks := ChunkMarkdown("big.md", []byte(doc))
	if len(chunks) < 2 {
		t.Fatalf("expected the section to be split, got %d chunk(s)", len(chunks))
	}
	for _, c := range chunks {
		if c.Title != "Big" {
			t.Errorf("title = %q", c.Title)
		}
	}
}

func TestDiscover(t *testing.T) {
	fsys := fstest.MapFS{
		"a.md":           {Data: []byte("# a")},
		"hr/leave.md":    {Data: []byte("# leave")},
		"hr/notes.txt":   {Data: []byte("x")},
		"it/sec/vpn.md":  {Data: []byte("# vpn")},
		"it/sec/vpn.MD~": {Data: []byte("x")},
	}
	got, err := Discover(fsys, []string{"**/*.md", "hr/*.md"})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a.md", "hr/leave.md", "it/sec/vpn.md"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestIndexSearchAndPersist(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "leave.md"), []byte(leavePolicy), 0o644); err != nil {
		t.Fatal(err)
	}

	ix, err := NewIndex(mockEmbedder{dims: 128}, quiet())
	if err != nil {
		t.Fatal(err)
	}
	if hit, err := ix.Search(ctx, "anything"); err != nil || hit != nil {
		t.Fatalf("empty index: %v %v", hit, err)
	}

	var seen []string
	n, err := ix.Build(ctx, dir, []string{"**/*.md"}, func(f string) { seen = append(seen, f) })
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 || ix.Count() != 4 || len(seen) != 1 {
		t.Fatalf("built %d chunks, count %d, files %v", n, ix.Count(), seen)
	}

	hit, err := ix.Search(ctx, `"sick leave medical certificate"`)
	if err != nil {
		t.Fatal(err)
	}
	if hit == nil || hit.Title != "Sick leave" || hit.Source != "leave.md" {
		t.Fatalf("hit = %+v", hit)
	}

	path := filepath.Join(dir, "index", "policies.gob.gz")
	if err := ix.Persist(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := NewIndex(mockEmbedder{dims: 128}, quiet())
	if err != nil {
		t.Fatal(err)
	}
	if err := loaded.Load(path); err != nil {
		t.Fatal(err)
	}
	if loaded.Count() != 4 {
		t.Errorf("loaded count = %d", loaded.Count())
	}

	loaded.MinScore = 1.1
	if hit, _ := loaded.Search(ctx, "travel portal"); hit != nil {
		t.Errorf("hit below MinScore returned: %+v", hit)
	}
}

func TestOpenAIEmbedderBatches(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		resp := openai.EmbeddingResponse{Object: "list"}
		for i := range req.Input {
			resp.Data = append(resp.Data, openai.Embedding{Object: "embedding", Index: i, Embedding: []float32{1, 0}})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	cfg := openai.DefaultConfig("test")
	cfg.BaseURL = srv.URL + "/v1"
	e := NewOpenAIEmbedder(openai.NewClientWithConfig(cfg), "text-embedding-3-small")

	texts := make([]string, 150)
	for i := range texts {
		texts[i] = "t"
	}
	vecs, err := e.Embed(context.Background(), texts)
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 150 || calls != 2 {
		t.Errorf("vectors %d, calls %d", len(vecs), calls)
	}
}
