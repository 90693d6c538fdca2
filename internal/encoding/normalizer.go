// Package encoding converts raw child-process output into canonical UTF-8
// text. Console tools on the target platform frequently emit a legacy code
// page even on otherwise UTF-8 systems; dropping or mis-decoding such output
// is a correctness bug, so the normalizer always yields a line.
package encoding

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
)

// DefaultName is the legacy code page assumed when none is configured.
// The toolbox's home turf is Windows consoles in a GBK locale.
const DefaultName = "gbk"

var legacyEncodings = map[string]encoding.Encoding{
	"gbk":      simplifiedchinese.GBK,
	"gb18030":  simplifiedchinese.GB18030,
	"big5":     traditionalchinese.Big5,
	"shiftjis": japanese.ShiftJIS,
	"euckr":    korean.EUCKR,
	"cp1250":   charmap.Windows1250,
	"cp1251":   charmap.Windows1251,
	"cp1252":   charmap.Windows1252,
	"cp1253":   charmap.Windows1253,
	"cp1254":   charmap.Windows1254,
	"cp1255":   charmap.Windows1255,
	"cp1256":   charmap.Windows1256,
	"cp1257":   charmap.Windows1257,
	"cp1258":   charmap.Windows1258,
	"latin1":   charmap.ISO8859_1,
}

// Normalizer decodes raw output lines: UTF-8 first, then the configured
// legacy code page, then per-byte replacement.
type Normalizer struct {
	name   string
	legacy encoding.Encoding
}

// New builds a normalizer for the named legacy code page. An empty name
// selects DefaultName.
func New(name string) (*Normalizer, error) {
	if name == "" {
		name = DefaultName
	}
	enc, ok := legacyEncodings[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown console encoding %q", name)
	}
	return &Normalizer{name: strings.ToLower(name), legacy: enc}, nil
}

// Name returns the configured legacy code page name.
func (n *Normalizer) Name() string {
	return n.name
}

// Normalize converts one raw output line to UTF-8 text. Valid UTF-8 passes
// through untouched. Otherwise the legacy code page is tried; bytes that
// survive neither decoding are replaced with U+FFFD rather than dropped.
// A trailing carriage return is stripped in all cases.
func (n *Normalizer) Normalize(line []byte) string {
	line = trimCR(line)
	if utf8.Valid(line) {
		return string(line)
	}

	decoded, err := n.legacy.NewDecoder().Bytes(line)
	if err == nil && utf8.Valid(decoded) {
		return string(decoded)
	}

	// Last resort: keep ASCII, replace everything else.
	var b strings.Builder
	b.Grow(len(line))
	for _, c := range line {
		if c < utf8.RuneSelf {
			b.WriteByte(c)
		} else {
			b.WriteRune(utf8.RuneError)
		}
	}
	return b.String()
}

func trimCR(line []byte) []byte {
	if len(line) > 0 && line[len(line)-1] == '\r' {
		return line[:len(line)-1]
	}
	return line
}
