package repo

import (
	"crypto/md5"
	"encoding/hex"
	"io"
)

// md5OfReader drains r and returns the hex md5 digest of its content.
// svn's wire protocol keys checksum verification off md5, not the
// store's own SHA-1 object ids, so this runs once per blob lookup; the
// result is cheap to recompute and callers that need it repeatedly go
// through View's caches instead.
func md5OfReader(r io.Reader) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func md5OfBytes(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}
