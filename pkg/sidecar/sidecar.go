// Package sidecar mutates BIDS JSON sidecars. It is the only package that
// writes to the input dataset's metadata.
package sidecar

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// IntendedFor is the BIDS key linking a field map to the scans it corrects
const IntendedFor = "IntendedFor"

// Load reads a sidecar into a generic document
func Load(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading sidecar: %w", err)
	}
	doc := make(map[string]any)
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("error parsing sidecar %s: %w", path, err)
	}
	return doc, nil
}

// Save writes a sidecar with two-space indentation
func Save(path string, doc map[string]any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding sidecar %s: %w", path, err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing sidecar: %w", err)
	}
	return nil
}

// Copy duplicates a sidecar document to a new path
func Copy(src, dst string) error {
	doc, err := Load(src)
	if err != nil {
		return err
	}
	return Save(dst, doc)
}

// InsertBackReference adds value to the list stored under key. A scalar
// value already present is promoted to a one-element list. The value is only
// appended when absent, so repeated calls leave the file unchanged.
func InsertBackReference(path, key, value string) error {
	doc, err := Load(path)
	if err != nil {
		return err
	}

	var refs []any
	switch existing := doc[key].(type) {
	case nil:
	case []any:
		refs = existing
	default:
		refs = []any{existing}
	}
	for _, r := range refs {
		if s, ok := r.(string); ok && s == value {
			if _, isList := doc[key].([]any); isList {
				return nil
			}
			doc[key] = refs
			return Save(path, doc)
		}
	}
	doc[key] = append(refs, value)
	return Save(path, doc)
}

// References returns the values stored under key as a list of strings
func References(doc map[string]any, key string) []string {
	switch v := doc[key].(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, r := range v {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
