package expert

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const (
	docDownloadTimeout = 30 * time.Second

	// maxDocumentBytes caps a single PDF download. Larger manuals blow the
	// model's input budget anyway.
	maxDocumentBytes = 10 << 20
)

// Document is one fetched product PDF, ready for attachment.
type Document struct {
	Filename string
	Data     []byte
}

// DataURL renders the document as a base64 data URL for the file content
// part of a chat message.
func (d Document) DataURL() string {
	return "data:application/pdf;base64," + base64.StdEncoding.EncodeToString(d.Data)
}

// DocumentStore resolves article numbers to product documentation PDFs.
// The mapping lives in _dokumente_index.json next to the catalogs:
// article number → list of PDF URLs. Downloads are fetched on demand and
// never cached; documentation lookups are rare.
type DocumentStore struct {
	index  map[string][]string
	httpc  *http.Client
	logger *slog.Logger
}

// OpenDocuments loads the documentation index from dir. A missing index
// file is fine; documentation lookups then always come back empty.
func OpenDocuments(dir string, logger *slog.Logger) *DocumentStore {
	d := &DocumentStore{
		index:  make(map[string][]string),
		httpc:  &http.Client{Timeout: docDownloadTimeout},
		logger: logger.With("subsystem", "docs"),
	}

	data, err := os.ReadFile(filepath.Join(dir, "_dokumente_index.json"))
	if err != nil {
		return d
	}
	if err := json.Unmarshal(data, &d.index); err != nil {
		d.logger.Warn("malformed documentation index, ignoring", "error", err)
		d.index = make(map[string][]string)
	}
	d.logger.Info("documentation index loaded", "articles", len(d.index))
	return d
}

// Fetch downloads all documentation PDFs for an article number. Individual
// download failures are logged and skipped; an article without index
// entries returns an empty slice and no error.
func (d *DocumentStore) Fetch(ctx context.Context, articleNr string) ([]Document, error) {
	urls := d.index[articleNr]
	if len(urls) == 0 {
		return nil, nil
	}

	var docs []Document
	for _, url := range urls {
		doc, err := d.download(ctx, url)
		if err != nil {
			d.logger.Warn("documentation download failed",
				"article", articleNr,
				"url", url,
				"error", err,
			)
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (d *DocumentStore) download(ctx context.Context, url string) (Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Document{}, err
	}

	resp, err := d.httpc.Do(req)
	if err != nil {
		return Document{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Document{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes+1))
	if err != nil {
		return Document{}, err
	}
	if len(data) > maxDocumentBytes {
		return Document{}, fmt.Errorf("document exceeds %d bytes", maxDocumentBytes)
	}

	name := filepath.Base(url)
	if name == "" || name == "." || name == "/" {
		name = "dokument.pdf"
	}
	return Document{Filename: name, Data: data}, nil
}
