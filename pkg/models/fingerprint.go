package models

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// InputFingerprint hashes a canonical, order-independent rendering of the
// line items. Two runs over the same input produce the same fingerprint.
func InputFingerprint(items []LineItem) string {
	lines := make([]string, 0, len(items))
	for _, it := range items {
		lines = append(lines, canonicalLine(it))
	}
	sort.Strings(lines)
	h := sha256.New()
	for _, l := range lines {
		h.Write([]byte(l))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalLine(it LineItem) string {
	fields := []string{
		strconv.FormatInt(it.PropertyID, 10),
		strconv.FormatInt(it.PeriodID, 10),
		string(it.DocumentType),
		it.Table,
		strconv.FormatInt(it.RecordID, 10),
		strings.TrimSpace(it.AccountCode),
		strings.TrimSpace(it.AccountName),
		// String() drops trailing zeros, so 10.50 and 10.5 hash alike.
		it.Amount.String(),
		it.FieldName,
	}
	for i, f := range fields {
		fields[i] = strings.ReplaceAll(f, "|", `\|`)
	}
	return strings.Join(fields, "|")
}
