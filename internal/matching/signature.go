package matching

import (
	"sort"
	"strings"
)

// Signature builds the matching key brand|model|k=v,k=v with variant attributes
// sorted by name. It is empty when brand or model is unknown, since such listings
// can never take the exact-match fast path.
func Signature(brand, model string, variants map[string]string) string {
	if brand == "" || model == "" {
		return ""
	}
	keys := make([]string, 0, len(variants))
	for k, v := range variants {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+variants[k])
	}
	return brand + "|" + model + "|" + strings.Join(pairs, ",")
}

// LockKey is the key catalog writes for a listing are serialized on. Listings
// without a full signature share one section per brand so that two fuzzy "NEW"
// decisions for the same brand cannot race.
func LockKey(signature, brand string) string {
	if signature != "" {
		return "sig:" + signature
	}
	return "brand:" + brand
}
