package server

import (
	"io"

	"golang.org/x/text/transform"
)

// crlfEncoder converts LF line endings to CRLF for ASCII downloads. Lines
// already ending in CRLF are left alone.
type crlfEncoder struct {
	prevCR bool
}

func (t *crlfEncoder) Reset() { t.prevCR = false }

func (t *crlfEncoder) Transform(dst, src []byte, _ bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		c := src[nSrc]
		if c == '\n' && !t.prevCR {
			if nDst+2 > len(dst) {
				return nDst, nSrc, transform.ErrShortDst
			}
			dst[nDst] = '\r'
			dst[nDst+1] = '\n'
			nDst += 2
		} else {
			if nDst >= len(dst) {
				return nDst, nSrc, transform.ErrShortDst
			}
			dst[nDst] = c
			nDst++
		}
		t.prevCR = c == '\r'
		nSrc++
	}
	return nDst, nSrc, nil
}

// crlfDecoder converts CRLF line endings to LF for ASCII uploads. A lone
// CR is kept.
type crlfDecoder struct {
	transform.NopResetter
}

func (crlfDecoder) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		c := src[nSrc]
		if c == '\r' {
			if nSrc+1 == len(src) && !atEOF {
				return nDst, nSrc, transform.ErrShortSrc
			}
			if nSrc+1 < len(src) && src[nSrc+1] == '\n' {
				nSrc++
				continue
			}
		}
		if nDst >= len(dst) {
			return nDst, nSrc, transform.ErrShortDst
		}
		dst[nDst] = c
		nDst++
		nSrc++
	}
	return nDst, nSrc, nil
}

// newASCIIReader yields r's content with CRLF line endings (RETR in TYPE A).
func newASCIIReader(r io.Reader) io.Reader {
	return transform.NewReader(r, &crlfEncoder{})
}

// newASCIIUploadReader yields r's content with LF line endings (STOR in TYPE A).
func newASCIIUploadReader(r io.Reader) io.Reader {
	return transform.NewReader(r, crlfDecoder{})
}
