// Package importer converts password-manager exports into detail sets.
//
// Every exported item becomes a group of details named "<item>/<field>",
// for example "github/username" and "github/password". Item and field
// names are normalized so they are always valid detail keys.
package importer

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Source identifies an export format.
type Source string

const (
	SourceBitwarden Source = "bitwarden"
	Source1Password Source = "1password"
	SourceLastPass  Source = "lastpass"
)

// MaxItemNameLength bounds a sanitized item name.
const MaxItemNameLength = 64

// Item is one exported entry and the fields it contributes.
type Item struct {
	// Name is the sanitized, unique item name.
	Name string
	// OriginalName is the title as it appeared in the export.
	OriginalName string
	// Group is the folder or grouping the item was filed under, if any.
	Group string
	// Fields maps sanitized field names to values.
	Fields map[string]string
}

// ImportResult is the outcome of parsing one export.
type ImportResult struct {
	Items    []*Item
	Warnings []string
	Skipped  []SkippedItem
}

// SkippedItem records an entry that produced no details.
type SkippedItem struct {
	OriginalName string
	Reason       string
}

// Details flattens the result into detail keys.
func (r *ImportResult) Details() map[string]string {
	out := make(map[string]string)
	for _, item := range r.Items {
		for field, value := range item.Fields {
			out[item.Name+"/"+field] = value
		}
	}
	return out
}

// Keys returns the flattened detail keys in ascending order.
func (r *ImportResult) Keys() []string {
	details := r.Details()
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Parser reads one export format.
type Parser interface {
	Parse(data []byte, opts ParseOptions) (*ImportResult, error)
	Source() Source
}

// ParseOptions tune parsing.
type ParseOptions struct {
	// PreserveCase keeps the case of item and field names.
	PreserveCase bool
	// Group, when set, keeps only items filed under that folder.
	Group string
}

func (o ParseOptions) wants(group string) bool {
	return o.Group == "" || strings.EqualFold(o.Group, group)
}

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SanitizeName turns a title into a name usable as one path segment of a
// detail key: NFC-normalized, spaces to '_', anything outside
// [A-Za-z0-9_-] dropped, no leading '-', at most MaxItemNameLength bytes
// and lower-case unless preserveCase is set.
func SanitizeName(name string, preserveCase bool) string {
	name = norm.NFC.String(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, " ", "_")
	name = invalidNameChars.ReplaceAllString(name, "")
	name = strings.TrimLeft(name, "-")
	if len(name) > MaxItemNameLength {
		name = name[:MaxItemNameLength]
	}
	if !preserveCase {
		name = strings.ToLower(name)
	}
	return name
}

// DeduplicateNames appends _1, _2, ... to repeated item names. Names that
// differ only by case count as repeats.
func DeduplicateNames(items []*Item) {
	used := make(map[string]bool, len(items))
	for _, item := range items {
		base := item.Name
		name := base
		for n := 1; used[strings.ToLower(name)]; n++ {
			name = fmt.Sprintf("%s_%d", base, n)
		}
		used[strings.ToLower(name)] = true
		item.Name = name
	}
}

// FallbackName names an untitled item after its URL's host, or
// imported_item_N when there is no URL.
func FallbackName(url string, counter int) string {
	if host := extractHostname(url); host != "" {
		return host
	}
	return fmt.Sprintf("imported_item_%d", counter)
}

func extractHostname(url string) string {
	url = strings.TrimPrefix(url, "https://")
	url = strings.TrimPrefix(url, "http://")
	if i := strings.IndexAny(url, "/:?#"); i != -1 {
		url = url[:i]
	}
	url = strings.TrimPrefix(url, "www.")
	return strings.ReplaceAll(url, ".", "_")
}

// DecodeHTMLEntities undoes the entity encoding some CSV exports apply.
func DecodeHTMLEntities(s string) string {
	return strings.NewReplacer(
		"&amp;", "&", "&lt;", "<", "&gt;", ">",
		"&quot;", `"`, "&#39;", "'", "&apos;", "'",
	).Replace(s)
}

// IsEmptyOrWhitespace reports whether s has no visible characters.
func IsEmptyOrWhitespace(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool { return !unicode.IsSpace(r) }) == -1
}

func splitTrim(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// itemNamer assigns names to items in parse order.
type itemNamer struct {
	opts    ParseOptions
	counter int
}

func (n *itemNamer) name(title, url string) string {
	if name := SanitizeName(title, n.opts.PreserveCase); name != "" {
		return name
	}
	n.counter++
	return SanitizeName(FallbackName(url, n.counter), n.opts.PreserveCase)
}

// fieldSet collects non-empty values under sanitized field names.
type fieldSet struct {
	preserveCase bool
	fields       map[string]string
}

func newFieldSet(preserveCase bool) *fieldSet {
	return &fieldSet{preserveCase: preserveCase, fields: make(map[string]string)}
}

func (f *fieldSet) add(name, value string) {
	if IsEmptyOrWhitespace(value) {
		return
	}
	name = SanitizeName(name, f.preserveCase)
	if name == "" {
		name = "field"
	}
	if _, taken := f.fields[name]; taken {
		for n := 2; ; n++ {
			candidate := fmt.Sprintf("%s_%d", name, n)
			if _, taken := f.fields[candidate]; !taken {
				name = candidate
				break
			}
		}
	}
	f.fields[name] = value
}

// csvRows reads a header-indexed CSV export. Rows that fail to parse are
// reported through warn and skipped.
func csvRows(data []byte, lowerHeader bool, required string, warn func(string)) ([]func(string) string, error) {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})

	r := csv.NewReader(bytes.NewReader(data))
	r.LazyQuotes = true
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, col := range header {
		col = strings.TrimSpace(col)
		if lowerHeader {
			col = strings.ToLower(col)
		}
		index[col] = i
	}
	if _, ok := index[required]; !ok {
		return nil, fmt.Errorf("missing required column: %s", required)
	}

	var rows []func(string) string
	for line := 2; ; line++ {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			warn(fmt.Sprintf("row %d: failed to parse: %v", line, err))
			continue
		}
		if len(row) != len(header) {
			warn(fmt.Sprintf("row %d: column count mismatch (expected %d, got %d)", line, len(header), len(row)))
			continue
		}
		rows = append(rows, func(col string) string {
			if i, ok := index[col]; ok {
				return strings.TrimSpace(row[i])
			}
			return ""
		})
	}
	return rows, nil
}

// GetParser returns the parser for source.
func GetParser(source Source) (Parser, error) {
	switch source {
	case SourceBitwarden:
		return &BitwardenParser{}, nil
	case Source1Password:
		return &OnePasswordParser{}, nil
	case SourceLastPass:
		return &LastPassParser{}, nil
	default:
		return nil, fmt.Errorf("unsupported import source: %s", source)
	}
}

// ValidSources lists the accepted source names.
func ValidSources() []string {
	return []string{string(SourceBitwarden), string(Source1Password), string(SourceLastPass)}
}
