package abtest

import (
	"hash/fnv"

	"github.com/ignite/campaign-engine/internal/domain"
)

// Assign deterministically maps a recipient to one of variants. The same
// test and recipient always land on the same variant; returns "" when
// variants is empty.
func Assign(testID, recipientID string, variants []domain.Variant) string {
	if len(variants) == 0 {
		return ""
	}
	h := fnv.New32a()
	h.Write([]byte(testID))
	h.Write([]byte{0})
	h.Write([]byte(recipientID))
	return variants[h.Sum32()%uint32(len(variants))].Name
}

// validName reports whether name is an allowed variant label.
func validName(name string) bool {
	for _, n := range domain.VariantNames {
		if n == name {
			return true
		}
	}
	return false
}
