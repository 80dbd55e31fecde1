package schema

import (
	"crypto/md5"
	"fmt"
	"io"
)

// SchemaETag returns a content hash over the canonical column
// definition rows. Because construction order is deterministic, two
// loads of the same logical schema always hash identically, which is
// what lets the synchronizer compare schemas by ETag.
func (oc *OrderedColumns) SchemaETag() string {
	h := md5.New()
	for _, rc := range oc.Raw() {
		io.WriteString(h, rc.ElementKey)
		io.WriteString(h, "\x1f")
		io.WriteString(h, rc.ElementName)
		io.WriteString(h, "\x1f")
		io.WriteString(h, rc.ElementType)
		io.WriteString(h, "\x1f")
		io.WriteString(h, rc.ListChildElementKeys)
		io.WriteString(h, "\x1e")
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
