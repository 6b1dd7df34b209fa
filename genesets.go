// Copyright (C) The Droplet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package droplet

import (
	"bufio"
	"encoding/csv"
	"os"
	"strings"
)

// LoadGMT reads pathway sets in GMT format: one set per line,
// name <TAB> description <TAB> member identifiers. The description
// column is ignored.
func LoadGMT(filename string) ([]PathwaySet, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var sets []PathwaySet
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 3 {
			return nil, dataErrorf("gmt", "", "%s: want name, description and at least one member, got %d fields", filename, len(fields))
		}
		sets = append(sets, PathwaySet{Name: fields[0], Genes: fields[2:]})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(sets) == 0 {
		return nil, dataErrorf("gmt", "", "%s: no pathway sets", filename)
	}
	return sets, nil
}

// tableSymbolMapper maps gene symbols through a fixed lookup table.
// Symbols absent from the table are omitted from the result (the
// documented lossy step before enrichment).
type tableSymbolMapper map[string]string

func (t tableSymbolMapper) MapSymbols(symbols []string) (map[string]string, error) {
	out := make(map[string]string, len(symbols))
	for _, s := range symbols {
		if id, ok := t[s]; ok {
			out[s] = id
		}
	}
	return out, nil
}

// LoadSymbolMap reads a two-column symbol,identifier CSV into a
// SymbolMapper.
func LoadSymbolMap(filename string) (SymbolMapper, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, err
	}
	mapping := tableSymbolMapper{}
	for _, rec := range records {
		if len(rec) != 2 {
			return nil, dataErrorf("symbol-map", "", "%s: want symbol,identifier rows, got %d columns", filename, len(rec))
		}
		mapping[rec[0]] = rec[1]
	}
	if len(mapping) == 0 {
		return nil, dataErrorf("symbol-map", "", "%s: no mappings", filename)
	}
	return mapping, nil
}
