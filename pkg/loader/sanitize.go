package loader

import (
	"bytes"
	"io"
)

// minRedactLength is the shortest value the Sanitizer replaces. Shorter
// values produce too many false matches.
const minRedactLength = 4

// binaryThreshold is the share of control bytes above which a chunk is
// passed through unmodified.
const binaryThreshold = 0.05

// Sanitizer replaces loaded values in a child's output with
// [REDACTED:NAME]. It keeps the tail of each read so a value split across
// two reads is still caught.
type Sanitizer struct {
	maxLen       int
	replacements []replacement
}

type replacement struct {
	secret      []byte
	placeholder []byte
}

// NewSanitizer builds a Sanitizer over the values in s. It copies them, so
// s may be wiped while the Sanitizer is in use.
func NewSanitizer(s *Secrets) *Sanitizer {
	san := &Sanitizer{}
	for _, name := range s.names {
		v := s.values[name]
		if len(v) < minRedactLength {
			continue
		}
		if len(v) > san.maxLen {
			san.maxLen = len(v)
		}
		san.replacements = append(san.replacements, replacement{
			secret:      bytes.Clone(v),
			placeholder: []byte("[REDACTED:" + name + "]"),
		})
	}
	return san
}

// Sanitize returns data with every known value replaced.
func (s *Sanitizer) Sanitize(data []byte) []byte {
	for _, r := range s.replacements {
		if bytes.Contains(data, r.secret) {
			data = bytes.ReplaceAll(data, r.secret, r.placeholder)
		}
	}
	return data
}

// Copy streams src to dst until EOF, sanitizing text chunks. Binary chunks
// are written as is.
func (s *Sanitizer) Copy(dst io.Writer, src io.Reader) error {
	buf := make([]byte, 32*1024)
	var overlap []byte

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			data := buf[:n]
			if len(overlap) > 0 {
				data = append(overlap, buf[:n]...)
			}

			binary := isBinaryData(data)
			if !binary {
				data = s.Sanitize(data)
			}

			writeLen := len(data)
			if readErr == nil && !binary && s.maxLen > 1 {
				keep := s.maxLen - 1
				if keep > len(data) {
					keep = len(data)
				}
				writeLen = len(data) - keep
			}

			if writeLen > 0 {
				if _, err := dst.Write(data[:writeLen]); err != nil {
					return err
				}
			}
			overlap = append([]byte(nil), data[writeLen:]...)
		}

		if readErr != nil {
			if len(overlap) > 0 {
				if _, err := dst.Write(overlap); err != nil {
					return err
				}
			}
			if readErr == io.EOF {
				return nil
			}
			return readErr
		}
	}
}

// isBinaryData counts control bytes rather than looking for a single NUL,
// so one injected NUL cannot switch sanitizing off.
func isBinaryData(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	nonPrintable := 0
	for _, b := range data {
		if (b < 0x20 && b != '\t' && b != '\n' && b != '\r') || b == 0x7F {
			nonPrintable++
		}
	}
	return float64(nonPrintable)/float64(len(data)) > binaryThreshold
}
