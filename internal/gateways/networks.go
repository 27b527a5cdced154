package gateway

import "strings"

// defaultNetworkPrefixes maps Ghanaian mobile number prefixes to the
// gateway's mobile-money bank codes. Matches the longest known prefix;
// unrecognised numbers fall back to MTN.
var defaultNetworkPrefixes = map[string][]string{
	"MTN": {"024", "025", "053", "054", "055", "059"},
	"VOD": {"020", "050"},
	"ATL": {"026", "027", "056", "057"},
}

// ProviderForPhone resolves the mobile-money provider code for a phone
// number. overrides, when non-nil, replaces the built-in prefix table.
func ProviderForPhone(phone string, overrides map[string][]string) string {
	table := defaultNetworkPrefixes
	if len(overrides) > 0 {
		table = overrides
	}

	p := strings.TrimSpace(phone)
	if strings.HasPrefix(p, "+233") {
		p = "0" + p[len("+233"):]
	}

	for code, prefixes := range table {
		for _, prefix := range prefixes {
			if strings.HasPrefix(p, prefix) {
				return code
			}
		}
	}
	return "MTN"
}
