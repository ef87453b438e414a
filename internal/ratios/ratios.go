package ratios

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrMissingRatio indicates a certificate has no known conversion ratio.
var ErrMissingRatio = errors.New("ratios: conversion ratio not found")

// Ratio maps a certificate to its underlying share.
type Ratio struct {
	CertificateSymbol string
	UnderlyingSymbol  string
	// Numerator is the number of certificates that represent one underlying share.
	Numerator   decimal.Decimal
	Market      string
	CompanyName string
	Text        string
}

// Lookup is the read-only view consumers depend on.
type Lookup interface {
	Lookup(symbol string) (Ratio, bool)
}

// Store is an immutable in-memory ratio table.
type Store struct {
	entries map[string]Ratio
}

// NewStore builds a store from already parsed entries. Entries with an empty
// symbol or a non-positive numerator are dropped.
func NewStore(entries []Ratio) *Store {
	s := &Store{entries: make(map[string]Ratio, len(entries))}
	for _, r := range entries {
		key := normalize(r.CertificateSymbol)
		if key == "" || !r.Numerator.IsPositive() {
			continue
		}
		r.CertificateSymbol = key
		if strings.TrimSpace(r.UnderlyingSymbol) == "" {
			r.UnderlyingSymbol = key
		}
		s.entries[key] = r
	}
	return s
}

// Lookup returns the ratio for a certificate symbol.
func (s *Store) Lookup(symbol string) (Ratio, bool) {
	if s == nil {
		return Ratio{}, false
	}
	r, ok := s.entries[normalize(symbol)]
	return r, ok
}

// Symbols lists every known certificate, sorted.
func (s *Store) Symbols() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.entries))
	for k := range s.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Len reports the number of entries.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// ParseRatio returns N from an "N:M" ratio text. Anything unparseable or
// non-positive yields 1.
func ParseRatio(text string) decimal.Decimal {
	head, _, _ := strings.Cut(strings.TrimSpace(text), ":")
	n, err := decimal.NewFromString(strings.TrimSpace(head))
	if err != nil || !n.IsPositive() {
		return decimal.NewFromInt(1)
	}
	return n
}

type fileEntry struct {
	Symbol           string `json:"symbol"`
	UnderlyingSymbol string `json:"underlying_symbol"`
	CompanyName      string `json:"company_name"`
	Market           string `json:"market"`
	Ratio            string `json:"ratio"`
}

// LoadFile reads the ratio document written by the refresh job.
func LoadFile(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ratio file: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load parses either a bare array of entries or an object holding a
// "cedeares" array.
func Load(r io.Reader) (*Store, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read ratio document: %w", err)
	}

	var list []fileEntry
	if err := json.Unmarshal(raw, &list); err != nil {
		var wrapped struct {
			Cedeares []fileEntry `json:"cedeares"`
		}
		if err2 := json.Unmarshal(raw, &wrapped); err2 != nil {
			return nil, fmt.Errorf("decode ratio document: %w", err)
		}
		list = wrapped.Cedeares
	}

	entries := make([]Ratio, 0, len(list))
	for _, e := range list {
		if strings.TrimSpace(e.Symbol) == "" {
			continue
		}
		entries = append(entries, Ratio{
			CertificateSymbol: e.Symbol,
			UnderlyingSymbol:  strings.ToUpper(strings.TrimSpace(e.UnderlyingSymbol)),
			Numerator:         ParseRatio(e.Ratio),
			Market:            e.Market,
			CompanyName:       e.CompanyName,
			Text:              e.Ratio,
		})
	}
	return NewStore(entries), nil
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

var _ Lookup = (*Store)(nil)
