package snapshot

import (
	"fmt"
	"path/filepath"
)

// tombstonePath builds the tombstone file path for (vgID, commitID) under
// dir: tombstone files are named <vgId>-<commitID>.del.
func tombstonePath(dir string, vgID int32, commitID int64) string {
	return filepath.Join(dir, fmt.Sprintf("%d-%d.del", vgID, commitID))
}
