package discovery

import (
	"sort"
	"strings"
)

// TXT record keys.
const (
	// TXTKeyResourceType names a resource served by the instance. It may
	// repeat.
	TXTKeyResourceType = "rt"

	// TXTKeyVersion carries the TXT record layout version.
	TXTKeyVersion = "txtvers"
)

// TXTVersion is the current TXT record layout version.
const TXTVersion = "1"

// MaxTXTEntryLength is the maximum length of one TXT string (RFC 6763
// Section 6.1).
const MaxTXTEntryLength = 255

// ServerTXT describes a CoAP server in its TXT record.
type ServerTXT struct {
	// Resources are the resource paths, without a leading slash.
	Resources []string
}

// Encode converts the record to DNS-SD TXT strings. The version entry
// comes first, then one rt entry per resource in sorted order. Resources
// too long for a TXT string are skipped.
func (s ServerTXT) Encode() []string {
	txt := []string{TXTKeyVersion + "=" + TXTVersion}

	resources := make([]string, 0, len(s.Resources))
	for _, r := range s.Resources {
		resources = append(resources, strings.TrimPrefix(r, "/"))
	}
	sort.Strings(resources)
	for _, r := range resources {
		entry := TXTKeyResourceType + "=" + r
		if len(entry) > MaxTXTEntryLength {
			continue
		}
		txt = append(txt, entry)
	}
	return txt
}

// ParseTXT parses raw TXT record strings into a map. For repeated keys
// the first value wins.
func ParseTXT(records []string) map[string]string {
	result := make(map[string]string)
	for _, record := range records {
		if idx := strings.IndexByte(record, '='); idx > 0 {
			key := record[:idx]
			if _, ok := result[key]; ok {
				continue
			}
			result[key] = record[idx+1:]
		}
	}
	return result
}

// ParseServerTXT parses the rt entries of a TXT record.
func ParseServerTXT(records []string) (ServerTXT, error) {
	var s ServerTXT
	for _, record := range records {
		idx := strings.IndexByte(record, '=')
		if idx == 0 {
			return ServerTXT{}, ErrInvalidTXTRecord
		}
		if idx < 0 || record[:idx] != TXTKeyResourceType {
			continue
		}
		if v := record[idx+1:]; v != "" {
			s.Resources = append(s.Resources, v)
		}
	}
	return s, nil
}
