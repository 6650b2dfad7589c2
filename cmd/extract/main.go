// Command extract runs postings extraction locally over newline-delimited
// JSON documents and prints the postings, one per line:
//
//	<doc id>\t<term>\t<field>:<offset>,<field>:<offset>,...
//
// Each input line is a document such as {"id":1,"fields":{"0":"Hello"}}.
//
// Usage:
//
//	go run ./cmd/extract [-config indexer.yaml] [-input docs.ndjson] [-keep]
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/pipeline"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/position"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/sorter"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/ingestion/validator"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults when empty)")
	input := flag.String("input", "-", "newline-delimited JSON documents, - for stdin")
	dataDir := flag.String("data-dir", "", "where postings chunks are written (a temporary directory when empty)")
	keep := flag.Bool("keep", false, "keep the postings chunks after printing")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, "text")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, *input, *dataDir, *keep, os.Stdout); err != nil {
		slog.Error("extraction failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, input, dataDir string, keep bool, out io.Writer) error {
	r := os.Stdin
	if input != "-" {
		f, err := os.Open(input)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	docs, err := readDocuments(r)
	if err != nil {
		return err
	}
	req := &ingestion.BatchRequest{Documents: docs}
	if err := validator.ValidateBatch(req, 0); err != nil {
		return err
	}

	if dataDir == "" {
		tmp, err := os.MkdirTemp("", "extract-*")
		if err != nil {
			return err
		}
		if !keep {
			defer os.RemoveAll(tmp)
		}
		dataDir = tmp
	}
	cfg.Indexer.DataDir = dataDir
	cfg.Indexer.TempDir = ""
	pcfg, err := pipeline.ConfigFrom(cfg)
	if err != nil {
		return err
	}
	encoder, err := position.NewEncoder(pcfg.Params.AttributeSpan)
	if err != nil {
		return err
	}

	result, err := pipeline.New(pcfg, nil).Run(ctx, "", docs)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(out)
	for _, path := range result.Paths {
		if err := printChunk(w, path, encoder); err != nil {
			return err
		}
		if !keep {
			os.Remove(path)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	slog.Info("extraction complete",
		"batch_id", result.BatchID,
		"documents", result.Stats.Documents,
		"postings", result.Stats.Postings,
		"truncated_fields", result.Stats.FieldsTruncated,
		"duration", result.Duration,
	)
	return nil
}

func readDocuments(r io.Reader) ([]ingestion.Document, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 64<<20)
	var docs []ingestion.Document
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var doc ingestion.Document
		if err := json.Unmarshal([]byte(text), &doc); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		docs = append(docs, doc)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading documents: %w", err)
	}
	return docs, nil
}

func printChunk(w io.Writer, path string, encoder position.Encoder) error {
	r, err := sorter.OpenReader(path)
	if err != nil {
		return err
	}
	defer r.Close()
	postings, err := index.Collect(r)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	var line []byte
	for _, p := range postings {
		line = strconv.AppendUint(line[:0], uint64(p.DocID), 10)
		line = append(line, '\t')
		line = append(line, p.Term...)
		line = append(line, '\t')
		for i, pos := range p.Positions {
			if i > 0 {
				line = append(line, ',')
			}
			line = strconv.AppendUint(line, uint64(encoder.Field(pos)), 10)
			line = append(line, ':')
			line = strconv.AppendUint(line, uint64(encoder.Offset(pos)), 10)
		}
		line = append(line, '\n')
		if _, err := w.Write(line); err != nil {
			return err
		}
	}
	return nil
}
