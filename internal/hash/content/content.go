// Package content computes canonical dedup hashes over (html, options).
package content

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"strconv"
	"strings"

	"github.com/WarriorSushi/Speedstein-sub004/internal/render"
)

// Hasher produces the content hash identifying a unique (html, options)
// pair. Fields are written in a fixed order with length prefixes, so equal
// inputs hash identically regardless of how the caller ordered them on the
// wire, and any byte-level difference changes the digest.
type Hasher struct{}

// New returns a content Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest for the trimmed html and normalized options.
func (Hasher) Hash(html string, opts render.Options) string {
	h := sha256.New()
	writeField(h, strings.TrimSpace(html))
	writeField(h, strings.ToLower(strings.TrimSpace(opts.Format)))
	writeField(h, string(opts.Orientation))
	writeFloat(h, opts.Margins.Top)
	writeFloat(h, opts.Margins.Bottom)
	writeFloat(h, opts.Margins.Left)
	writeFloat(h, opts.Margins.Right)
	writeFloat(h, opts.Scale)
	writeField(h, opts.HeaderTemplate)
	writeField(h, opts.FooterTemplate)
	writeBool(h, opts.PrintBackground)
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}

func writeFloat(h hash.Hash, f float64) {
	writeField(h, strconv.FormatFloat(f, 'g', -1, 64))
}

func writeBool(h hash.Hash, b bool) {
	if b {
		writeField(h, "1")
		return
	}
	writeField(h, "0")
}
