package us

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strings"

	"factorlab/internal/domain"
)

// LoadUniverse reads the investable universe from path. Two layouts are
// accepted: plain text with one symbol per line, or CSV with a header row
// naming at least a "symbol" column and optionally "sector", "industry" and
// "tags" (tags separated by '|'). Blank lines and lines starting with '#'
// are ignored. Duplicates keep their first occurrence; the result is
// sorted by symbol.
func LoadUniverse(path string) ([]domain.Instrument, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, nil
	}

	var instruments []domain.Instrument
	if strings.Contains(lines[0], ",") {
		instruments, err = parseUniverseCSV(strings.Join(lines, "\n"))
		if err != nil {
			return nil, fmt.Errorf("reading universe %s: %w", path, err)
		}
	} else {
		for _, l := range lines {
			instruments = append(instruments, domain.Instrument{Symbol: strings.ToUpper(l)})
		}
	}
	return dedupInstruments(instruments), nil
}

// LoadSymbolSet reads a symbol list (plain or CSV, as LoadUniverse) into a
// set. A missing file yields an empty set.
func LoadSymbolSet(path string) (map[string]bool, error) {
	set := make(map[string]bool)
	if path == "" {
		return set, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return set, nil
	}
	instruments, err := LoadUniverse(path)
	if err != nil {
		return nil, err
	}
	for _, in := range instruments {
		set[in.Symbol] = true
	}
	return set, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening universe %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		l := strings.TrimSpace(sc.Text())
		if l == "" || strings.HasPrefix(l, "#") {
			continue
		}
		lines = append(lines, l)
	}
	return lines, sc.Err()
}

func parseUniverseCSV(data string) ([]domain.Instrument, error) {
	r := csv.NewReader(strings.NewReader(data))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 1 {
		return nil, nil
	}

	// Find columns by header name; symbol defaults to the first column.
	col := map[string]int{"symbol": 0, "sector": -1, "industry": -1, "tags": -1}
	for i, h := range records[0] {
		name := strings.ToLower(strings.TrimSpace(h))
		if _, ok := col[name]; ok {
			col[name] = i
		}
	}
	field := func(row []string, name string) string {
		i := col[name]
		if i < 0 || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	out := make([]domain.Instrument, 0, len(records)-1)
	for _, row := range records[1:] {
		sym := strings.ToUpper(field(row, "symbol"))
		if sym == "" {
			continue
		}
		in := domain.Instrument{
			Symbol:   sym,
			Sector:   field(row, "sector"),
			Industry: field(row, "industry"),
		}
		if tags := field(row, "tags"); tags != "" {
			for _, t := range strings.Split(tags, "|") {
				if t = strings.TrimSpace(t); t != "" {
					in.Tags = append(in.Tags, strings.ToLower(t))
				}
			}
		}
		out = append(out, in)
	}
	return out, nil
}

func dedupInstruments(in []domain.Instrument) []domain.Instrument {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, inst := range in {
		if _, ok := seen[inst.Symbol]; ok {
			continue
		}
		seen[inst.Symbol] = struct{}{}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
