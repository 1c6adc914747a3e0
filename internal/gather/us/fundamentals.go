package us

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"factorlab/internal/domain"
	"factorlab/internal/gather"
)

var _ gather.FundamentalProvider = (*FileFundamentals)(nil)

// FileFundamentals serves fundamental snapshots stored one YAML file per
// symbol, <Dir>/<SYMBOL>.yaml:
//
//	symbol: AAPL
//	sector: Technology
//	retrieved_at: 2024-06-30
//	next_earnings: 2024-08-01
//	metrics:
//	  revenue_growth: 0.08
//	  forward_pe: 28.5
type FileFundamentals struct {
	Dir string
}

// NewFileFundamentals creates a provider reading from dir.
func NewFileFundamentals(dir string) *FileFundamentals {
	return &FileFundamentals{Dir: dir}
}

// FetchFundamentals loads the snapshot for symbol. A missing file yields
// gather.ErrNotFound.
func (f *FileFundamentals) FetchFundamentals(_ context.Context, symbol string) (domain.Fundamentals, error) {
	sym := strings.ToUpper(symbol)
	path := filepath.Join(f.Dir, sym+".yaml")

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.Fundamentals{}, fmt.Errorf("fundamentals %s: %w", sym, gather.ErrNotFound)
		}
		return domain.Fundamentals{}, err
	}

	var snap domain.Fundamentals
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return domain.Fundamentals{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if snap.Symbol == "" {
		snap.Symbol = sym
	}
	return snap, nil
}

// SaveFundamentals writes a snapshot in the layout FileFundamentals reads.
func (f *FileFundamentals) SaveFundamentals(snap domain.Fundamentals) error {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(snap)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(f.Dir, strings.ToUpper(snap.Symbol)+".yaml"), data, 0o644)
}
