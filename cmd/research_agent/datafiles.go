package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonathan/research-assistant/internal/types"
)

// describeDataFiles turns --data paths into data file descriptions. CSV files
// get their header and row count filled in.
func describeDataFiles(paths []string) ([]types.DataFile, error) {
	files := make([]types.DataFile, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", p, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("failed to read data file: %w", err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("data file %s is a directory", p)
		}

		f := types.DataFile{
			Name:   filepath.Base(abs),
			Path:   abs,
			Format: strings.TrimPrefix(strings.ToLower(filepath.Ext(abs)), "."),
		}
		if f.Format == "csv" {
			if err := describeCSV(&f); err != nil {
				return nil, err
			}
		}
		files = append(files, f)
	}
	return files, nil
}

func describeCSV(f *types.DataFile) error {
	file, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to parse CSV header of %s: %w", f.Name, err)
	}
	for _, col := range header {
		f.Columns = append(f.Columns, strings.TrimSpace(col))
	}
	for {
		if _, err := r.Read(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to parse %s line %d: %w", f.Name, f.Rows+2, err)
		}
		f.Rows++
	}
}
