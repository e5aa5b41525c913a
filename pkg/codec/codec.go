// Package codec converts control-channel lines between text and the byte
// encoding negotiated for a connection.
package codec

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"

	"github.com/turtacn/broadcastd/pkg/consts"
	"github.com/turtacn/broadcastd/pkg/errors"
)

// FallbackOrder is the order in which an outbound client tries encodings.
var FallbackOrder = []string{"utf-8", "cp1252", "iso-8859-1", "windows-1250"}

var aliases = map[string]encoding.Encoding{
	"cp1252":       charmap.Windows1252,
	"windows-1252": charmap.Windows1252,
	"iso-8859-1":   charmap.ISO8859_1,
	"iso8859-1":    charmap.ISO8859_1,
	"latin1":       charmap.ISO8859_1,
	"cp1250":       charmap.Windows1250,
	"windows-1250": charmap.Windows1250,
}

// Codec is a resolved text encoding.
type Codec struct {
	name  string
	enc   encoding.Encoding // nil for utf-8 and ascii
	ascii bool
}

// UTF8 is the default codec.
var UTF8 = &Codec{name: consts.DefaultEncoding}

// Normalize lowercases and trims an encoding name.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Lookup resolves an encoding name. Unknown names yield a protocol error.
func Lookup(name string) (*Codec, error) {
	n := Normalize(name)
	switch n {
	case "utf-8", "utf8":
		return &Codec{name: n}, nil
	case "ascii", "us-ascii":
		return &Codec{name: n, ascii: true}, nil
	case "":
		return nil, errors.New(errors.ErrCodeProtocol, "Lookup", "empty encoding name", nil)
	}
	if enc, ok := aliases[n]; ok {
		return &Codec{name: n, enc: enc}, nil
	}
	enc, err := ianaindex.IANA.Encoding(n)
	if err != nil || enc == nil {
		return nil, errors.New(errors.ErrCodeProtocol, "Lookup", "unsupported encoding "+n, err)
	}
	return &Codec{name: n, enc: enc}, nil
}

// Name returns the normalized name the codec was looked up with.
func (c *Codec) Name() string { return c.name }

// Decode converts raw bytes to text.
func (c *Codec) Decode(b []byte) (string, error) {
	switch {
	case c.ascii:
		for i, ch := range b {
			if ch >= utf8.RuneSelf {
				return "", decodeErr(c.name, i)
			}
		}
		return string(b), nil
	case c.enc == nil:
		if !utf8.Valid(b) {
			return "", errors.New(errors.ErrCodeDecode, "Decode", "invalid "+c.name+" byte sequence", nil)
		}
		return string(b), nil
	}
	out, err := c.enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", errors.New(errors.ErrCodeDecode, "Decode", "invalid "+c.name+" byte sequence", err)
	}
	return string(out), nil
}

// Encode converts text to bytes. Runes the encoding cannot represent are
// replaced rather than failing the whole line.
func (c *Codec) Encode(s string) []byte {
	switch {
	case c.ascii:
		b := make([]byte, 0, len(s))
		for _, r := range s {
			if r >= utf8.RuneSelf {
				r = '?'
			}
			b = append(b, byte(r))
		}
		return b
	case c.enc == nil:
		return []byte(s)
	}
	out, err := encoding.ReplaceUnsupported(c.enc.NewEncoder()).Bytes([]byte(s))
	if err != nil {
		return []byte(s)
	}
	return out
}

// Decode decodes b with the named encoding.
func Decode(b []byte, name string) (string, error) {
	c, err := Lookup(name)
	if err != nil {
		return "", err
	}
	return c.Decode(b)
}

// Encode encodes s with the named encoding.
func Encode(s, name string) ([]byte, error) {
	c, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	return c.Encode(s), nil
}

func decodeErr(name string, offset int) error {
	return errors.New(errors.ErrCodeDecode, "Decode", "invalid "+name+" byte at offset "+strconv.Itoa(offset), nil)
}

// Personal.AI order the ending
