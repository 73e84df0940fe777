// Package compress decides when a response body should be gzip-compressed
// and performs the compression. It is a drop-in policy layer over
// klauspost/compress/gzip, which is API-compatible with compress/gzip but
// faster -- the response writer never touches the standard library's
// implementation directly.
package compress

import (
	"bytes"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// minCompressibleSize is the floor below which compression is skipped even
// for an otherwise-compressible mime type: gzip's own framing overhead can
// make small payloads larger, not smaller.
const minCompressibleSize = 1024

// nonCompressible lists mime types that are already compressed at the
// container level (images, audio, video, archives, web fonts) and gain
// nothing -- and sometimes lose a little -- from a second gzip pass.
var nonCompressible = map[string]bool{
	"image/png":                     true,
	"image/gif":                     true,
	"image/svg+xml":                 true,
	"image/x-icon":                  true,
	"image/webp":                    true,
	"audio/mpeg":                    true,
	"video/mp4":                     true,
	"video/webm":                    true,
	"application/zip":               true,
	"font/woff":                     true,
	"font/woff2":                    true,
	"font/ttf":                      true,
	"application/vnd.ms-fontobject": true,
}

// compressiblePrefixes lists mime-type prefixes that are worth compressing:
// text of any kind, plus the common structured-data and script formats.
var compressiblePrefixes = []string{
	"text/",
	"application/javascript",
	"application/json",
	"application/xml",
	"application/x-yaml",
	"application/x-www-form-urlencoded",
}

// ShouldCompress reports whether a response body of contentLength bytes and
// the given mime type should be gzip-compressed. The non-compressible list
// takes precedence over the compressible-prefix list, and the size floor
// applies regardless of mime type.
func ShouldCompress(mimeType string, contentLength int) bool {
	if nonCompressible[mimeType] {
		return false
	}
	if contentLength < minCompressibleSize {
		return false
	}
	for _, prefix := range compressiblePrefixes {
		if strings.HasPrefix(mimeType, prefix) {
			return true
		}
	}
	return false
}

// AcceptsGzip reports whether the client's Accept-Encoding header value
// includes gzip.
func AcceptsGzip(acceptEncoding string) bool {
	return strings.Contains(acceptEncoding, "gzip")
}

// Gzip compresses data using the default compression level. It returns an
// error only if the underlying writer fails, which in-memory compression
// never does in practice. On error the returned data is nil, and callers
// fall back to the uncompressed body.
func Gzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
