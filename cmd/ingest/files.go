package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/WessleyAI/groundwork/engine/chunk"
	"github.com/WessleyAI/groundwork/engine/domain"
	"github.com/WessleyAI/groundwork/engine/ingest"
)

// errSkip marks files with an extension the loader does not handle.
var errSkip = errors.New("unsupported file type")

// loadFile turns one file into ingestion jobs. JSON files hold a stream of
// jobs or bare documents; PDF, HTML, markdown and text files become one
// document titled after the file name.
func loadFile(path string) ([]ingest.Job, error) {
	ext := strings.ToLower(filepath.Ext(path))
	title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	switch ext {
	case ".json", ".jsonl":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return decodeJobs(f)

	case ".pdf":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		doc, err := ingest.LoadPDF(bytes.NewReader(data), int64(len(data)), title)
		if err != nil {
			return nil, err
		}
		return []ingest.Job{{Document: doc, Mode: chunk.ModeFixed}}, nil

	case ".html", ".htm":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		doc, err := ingest.LoadHTML(f, "", "")
		if err != nil {
			return nil, err
		}
		if doc.Title == "" {
			doc.Title = title
		}
		return []ingest.Job{{Document: doc}}, nil

	case ".md", ".txt":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		// Heading detection applies to plain documents.
		return []ingest.Job{{
			Document: domain.Document{Title: title, Content: string(data), SourceType: domain.SourceManual},
			Mode:     chunk.ModeSections,
		}}, nil
	}
	return nil, errSkip
}

// decodeJobs reads consecutive JSON values. Each is an ingest.Job
// ({"document": {...}}) or a bare document; a top-level array of either is
// flattened.
func decodeJobs(r io.Reader) ([]ingest.Job, error) {
	dec := json.NewDecoder(r)
	var jobs []ingest.Job
	for {
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			return jobs, nil
		}
		if err != nil {
			return jobs, fmt.Errorf("decode json: %w", err)
		}
		raw = bytes.TrimSpace(raw)
		if len(raw) > 0 && raw[0] == '[' {
			var items []json.RawMessage
			if err := json.Unmarshal(raw, &items); err != nil {
				return jobs, fmt.Errorf("decode json array: %w", err)
			}
			for _, it := range items {
				job, err := decodeJob(it)
				if err != nil {
					return jobs, err
				}
				jobs = append(jobs, job)
			}
			continue
		}
		job, err := decodeJob(raw)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, job)
	}
}

func decodeJob(raw json.RawMessage) (ingest.Job, error) {
	var probe struct {
		Document *domain.Document `json:"document"`
		Mode     chunk.Mode       `json:"mode"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ingest.Job{}, fmt.Errorf("decode job: %w", err)
	}
	if probe.Document != nil {
		return ingest.Job{Document: *probe.Document, Mode: probe.Mode}, nil
	}
	var doc domain.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ingest.Job{}, fmt.Errorf("decode document: %w", err)
	}
	return ingest.Job{Document: doc, Mode: probe.Mode}, nil
}

// state remembers processed files by name and size.
type state map[string]bool

func stateKey(name string, size int64) string { return fmt.Sprintf("%s:%d", name, size) }

func loadState(path string) state {
	m := make(state)
	if path == "" {
		return m
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return m
	}
	json.Unmarshal(data, &m)
	return m
}

func (s state) save(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
