package model

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
)

// Identity derives the deduplication key for a log record. It hashes the
// stream labels (in sorted order), the event timestamp, and the raw line, so
// two fetches of the same record from overlapping query windows always yield
// the same key.
func Identity(rec LogRecord) string {
	h := sha256.New()

	keys := make([]string, 0, len(rec.Labels))
	for k := range rec.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(rec.Labels[k]))
		h.Write([]byte{'\n'})
	}

	h.Write([]byte(strconv.FormatInt(rec.Timestamp.UnixNano(), 10)))
	h.Write([]byte{'\n'})
	h.Write([]byte(rec.Line))

	return hex.EncodeToString(h.Sum(nil))
}

// SourceOf extracts the application name from stream labels using the
// configured label key, falling back to "unknown".
func SourceOf(labels map[string]string, labelKey string) string {
	if v, ok := labels[labelKey]; ok && v != "" {
		return v
	}
	return "unknown"
}
