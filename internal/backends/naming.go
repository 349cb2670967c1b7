package backends

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Label names used by backends whose secret names cannot carry arbitrary
// keys (GCP, Azure). The set is a label and the key an annotation or tag.
const (
	labelSet = "cfgvault-set"
	labelKey = "cfgvault-key"
)

// hashedName returns "<prefix>-<32 hex chars>" for a (set, key) pair. The
// result is valid as a GCP secret id and an Azure secret name.
func hashedName(prefix, namespace, key string) string {
	sum := sha256.Sum256([]byte(namespace + "/" + key))
	return prefix + "-" + hex.EncodeToString(sum[:16])
}

// pageKeys applies a key-ordered continuation to an unpaged key list: keys
// after token, at most max of them. The returned token is the last key when
// more remain.
func pageKeys(keys []string, token string, max int) (page []string, hasMore bool, next string) {
	sort.Strings(keys)
	start := sort.SearchStrings(keys, token)
	if token != "" && start < len(keys) && keys[start] == token {
		start++
	}
	page = keys[start:]
	if max > 0 && len(page) > max {
		page = page[:max]
		hasMore = true
		next = page[len(page)-1]
	}
	return page, hasMore, next
}
