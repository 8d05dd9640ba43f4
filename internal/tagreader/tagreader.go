// Package tagreader loads the per-series tag document and the vendor
// ASCCONV header (spec.md §4.B). The header parser mmaps the payload file
// rather than reading it whole — these files can be large binary image
// instances and the header window is typically a few kilobytes near the
// front.
package tagreader

import (
	"bytes"
	"encoding/json"
	"os"
	"sort"
	"strconv"
	"strings"
	"syscall"

	apperrors "mercutio-route/pkg/errors"
	"mercutio-route/pkg/types"
)

const (
	ascconvBegin = "### ASCCONV BEGIN"
	ascconvEnd   = "### ASCCONV END"
)

// ReadTagDocument reads and JSON-decodes the tag sidecar at path. A missing
// file or parse failure is surfaced as a typed error; callers abort routing
// of the series on either (spec.md §7).
func ReadTagDocument(path string) (types.TagDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.New(apperrors.CodeTagsMissing, "tagreader", "read", path).Wrap(err)
		}
		return nil, apperrors.New(apperrors.CodeTagsInvalid, "tagreader", "read", path).Wrap(err)
	}
	var doc types.TagDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, apperrors.New(apperrors.CodeTagsInvalid, "tagreader", "decode", path).Wrap(err)
	}
	return doc, nil
}

// ScanSeriesStems scans incomingDir for tag sidecars named
// "<seriesUID>#<slice>.tags" and returns their stems ("<seriesUID>#<slice>"),
// sorted so the representative (first) stem is deterministic (spec.md §3
// Series, §4.G step 2).
func ScanSeriesStems(incomingDir, seriesUID string) ([]string, error) {
	entries, err := os.ReadDir(incomingDir)
	if err != nil {
		return nil, apperrors.New(apperrors.CodeTagsMissing, "tagreader", "scan", incomingDir).Wrap(err)
	}

	prefix := seriesUID + "#"
	var stems []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".tags") || !strings.HasPrefix(name, prefix) {
			continue
		}
		stems = append(stems, strings.TrimSuffix(name, ".tags"))
	}
	sort.Strings(stems)
	return stems, nil
}

// ParseASCCONV memory-maps payloadPath and extracts the ASCCONV block,
// returning a nested map built by splitting each "dotted.key\t=\tvalue" line
// on '.'. Missing markers is a non-fatal error per spec.md Design Notes
// item 4 — the caller logs it and continues routing.
func ParseASCCONV(payloadPath string) (map[string]interface{}, error) {
	f, err := os.Open(payloadPath)
	if err != nil {
		return nil, apperrors.New(apperrors.CodeHeaderParse, "tagreader", "open", payloadPath).Wrap(err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, apperrors.New(apperrors.CodeHeaderParse, "tagreader", "stat", payloadPath).Wrap(err)
	}
	if info.Size() == 0 {
		return nil, apperrors.New(apperrors.CodeHeaderParse, "tagreader", "mmap", payloadPath).Wrap(os.ErrInvalid)
	}

	mapped, err := syscall.Mmap(int(f.Fd()), 0, int(info.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, apperrors.New(apperrors.CodeHeaderParse, "tagreader", "mmap", payloadPath).Wrap(err)
	}
	defer syscall.Munmap(mapped)

	beginIdx := bytes.Index(mapped, []byte(ascconvBegin))
	if beginIdx < 0 {
		return nil, apperrors.New(apperrors.CodeHeaderParse, "tagreader", "find-begin", payloadPath)
	}
	endIdx := bytes.Index(mapped, []byte(ascconvEnd))
	if endIdx < 0 {
		return nil, apperrors.New(apperrors.CodeHeaderParse, "tagreader", "find-end", payloadPath)
	}
	if endIdx < beginIdx {
		return nil, apperrors.New(apperrors.CodeHeaderParse, "tagreader", "window-order", payloadPath)
	}

	window := mapped[beginIdx:endIdx]
	// Skip the sentinel line itself (the "### ASCCONV BEGIN ..." line).
	if nl := bytes.IndexByte(window, '\n'); nl >= 0 {
		window = window[nl+1:]
	} else {
		window = nil
	}

	return parseASCCONVBody(string(window)), nil
}

func parseASCCONVBody(body string) map[string]interface{} {
	result := make(map[string]interface{})
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		key, value, ok := splitASCCONVLine(line)
		if !ok {
			continue
		}
		setNested(result, strings.Split(key, "."), parseASCCONVValue(value))
	}
	return result
}

// splitASCCONVLine splits a "key \t = \t value" line, tolerating the exact
// single-space-around-tab spacing the source's dump uses as well as bare
// tabs.
func splitASCCONVLine(line string) (key, value string, ok bool) {
	idx := strings.Index(line, "=")
	if idx < 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:idx])
	value = strings.TrimSpace(line[idx+1:])
	key = strings.Trim(key, "\t")
	value = strings.Trim(value, "\t")
	if key == "" {
		return "", "", false
	}
	return key, value, true
}

func setNested(dict map[string]interface{}, keys []string, value interface{}) {
	cur := dict
	for _, k := range keys[:len(keys)-1] {
		next, ok := cur[k].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[k] = next
		}
		cur = next
	}
	cur[keys[len(keys)-1]] = value
}

// parseASCCONVValue unquotes doubled double-quotes, then attempts int,
// float, quoted-string, falling back to the raw string.
func parseASCCONVValue(raw string) interface{} {
	unquoted := strings.ReplaceAll(raw, `""`, `"`)

	if i, err := strconv.ParseInt(unquoted, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(unquoted, 64); err == nil {
		return f
	}
	if len(unquoted) >= 2 && strings.HasPrefix(unquoted, `"`) && strings.HasSuffix(unquoted, `"`) {
		return unquoted[1 : len(unquoted)-1]
	}
	return unquoted
}
