// Package ingest walks a knowledge-base directory, extracts and
// sanitizes text, chunks it with overlap, embeds the chunks in batches
// and persists them as Document nodes.
package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html"

	"membria/internal/embedding"
	"membria/internal/logging"
	"membria/internal/retry"
	"membria/internal/store"
	"membria/internal/types"
)

const (
	DefaultChunkSize = 800
	DefaultOverlap   = 100
	maxEmbedBatch    = 96
)

// textExtensions are read as UTF-8 with invalid bytes dropped.
var textExtensions = map[string]bool{
	".md": true, ".markdown": true, ".txt": true, ".rst": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true,
	".go": true, ".py": true, ".js": true, ".ts": true, ".sh": true,
	".sql": true, ".csv": true,
}

// htmlExtensions are routed through the HTML extractor.
var htmlExtensions = map[string]bool{".html": true, ".htm": true}

// Options configures one ingestion run.
type Options struct {
	Root      string
	DocType   string
	Tags      []string
	ChunkSize int
	Overlap   int
	Strict    bool
}

// Report counts what one run did.
type Report struct {
	Files   int `json:"files"`
	Chunks  int `json:"chunks"`
	Skipped int `json:"skipped"`
}

// Ingester persists document chunks for one namespace.
type Ingester struct {
	store  *store.GraphStore
	engine embedding.Engine
	ns     types.Namespace
}

func New(s *store.GraphStore, engine embedding.Engine, ns types.Namespace) *Ingester {
	return &Ingester{store: s, engine: engine, ns: ns}
}

// Run walks opts.Root and ingests every whitelisted file. Per-file
// extraction failures are skipped unless opts.Strict.
func (in *Ingester) Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("%w: ingest root is required", types.ErrInvalidArgument)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Overlap < 0 || opts.Overlap >= opts.ChunkSize {
		opts.Overlap = DefaultOverlap
	}

	report := &Report{}
	log := logging.Get(logging.CategoryIngest)
	err := filepath.WalkDir(opts.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if !textExtensions[ext] && !htmlExtensions[ext] {
			report.Skipped++
			return nil
		}

		text, err := extract(path, ext)
		if err != nil {
			if opts.Strict {
				return fmt.Errorf("failed to extract %s: %w", path, err)
			}
			log.Warn("skipping %s: %v", path, err)
			report.Skipped++
			return nil
		}
		text = Sanitize(text)
		if strings.TrimSpace(text) == "" {
			report.Skipped++
			return nil
		}

		chunks := Chunk(text, opts.ChunkSize, opts.Overlap)
		if err := in.persist(ctx, path, opts.DocType, chunks); err != nil {
			if opts.Strict {
				return err
			}
			log.Warn("skipping %s: %v", path, err)
			report.Skipped++
			return nil
		}
		report.Files++
		report.Chunks += len(chunks)
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info("ingested %d files (%d chunks, %d skipped) from %s",
		report.Files, report.Chunks, report.Skipped, opts.Root)
	return report, nil
}

// persist embeds the chunks in batches and stores one Document per chunk.
func (in *Ingester) persist(ctx context.Context, path, docType string, chunks []string) error {
	now := time.Now().UTC()
	for start := 0; start < len(chunks); start += maxEmbedBatch {
		end := start + maxEmbedBatch
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		var vecs [][]float32
		err := retry.Do(ctx, retry.DefaultPolicy(), func() error {
			var embedErr error
			vecs, embedErr = in.engine.EmbedBatch(ctx, batch)
			return embedErr
		})
		if err != nil {
			return fmt.Errorf("failed to embed %s: %w", path, err)
		}
		for i, content := range batch {
			doc := &types.Document{
				Namespace:  in.ns,
				FilePath:   path,
				Content:    content,
				DocType:    docType,
				ChunkIndex: start + i,
				ChunkTotal: len(chunks),
				CreatedAt:  now,
			}
			if i < len(vecs) {
				doc.Embedding = vecs[i]
			}
			if err := in.store.AddDocument(doc); err != nil {
				return err
			}
		}
	}
	return nil
}

// extract converts one file to plain text.
func extract(path, ext string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if htmlExtensions[ext] {
		return extractHTML(string(data)), nil
	}
	return string(toValidUTF8(data)), nil
}

// toValidUTF8 drops invalid byte sequences.
func toValidUTF8(data []byte) []byte {
	if utf8.Valid(data) {
		return data
	}
	return []byte(strings.ToValidUTF8(string(data), ""))
}

// extractHTML tokenizes the document and keeps text content, skipping
// script and style bodies.
func extractHTML(doc string) string {
	tz := html.NewTokenizer(strings.NewReader(doc))
	var b strings.Builder
	skipDepth := 0
	for {
		switch tz.Next() {
		case html.ErrorToken:
			return b.String()
		case html.StartTagToken:
			name, _ := tz.TagName()
			switch string(name) {
			case "script", "style":
				skipDepth++
			}
		case html.EndTagToken:
			name, _ := tz.TagName()
			switch string(name) {
			case "script", "style":
				if skipDepth > 0 {
					skipDepth--
				}
			case "p", "div", "br", "li", "h1", "h2", "h3", "h4", "tr":
				b.WriteByte('\n')
			}
		case html.TextToken:
			if skipDepth == 0 {
				b.Write(tz.Text())
			}
		}
	}
}

// Sanitize strips control characters (TAB/LF/CR survive), neutralizes
// role tokens and fences so ingested text cannot masquerade as prompt
// structure.
func Sanitize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			continue
		}
		if r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	for _, tok := range []string{"system", "user", "assistant"} {
		out = strings.ReplaceAll(out, "<"+tok+">", "&lt;"+tok+"&gt;")
		out = strings.ReplaceAll(out, "</"+tok+">", "&lt;/"+tok+"&gt;")
	}
	return strings.ReplaceAll(out, "```", "'''")
}

// Chunk splits text into size-char pieces with overlap chars carried
// from the previous chunk. Boundaries are pulled back to rune starts so
// no chunk holds a split multi-byte character.
func Chunk(text string, size, overlap int) []string {
	if len(text) <= size {
		return []string{text}
	}
	step := size - overlap
	var out []string
	for start := 0; start < len(text); start += step {
		s := runeAlign(text, start)
		end := s + size
		if end >= len(text) {
			out = append(out, text[s:])
			break
		}
		out = append(out, text[s:runeAlign(text, end)])
	}
	return out
}

// runeAlign backs i up to the start of the rune it points into.
func runeAlign(text string, i int) int {
	for i > 0 && !utf8.RuneStart(text[i]) {
		i--
	}
	return i
}
