package lopata

import (
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

const maxDecompressedSize = 128 * 1024 * 1024 // 128 MB

// negotiateEncoding picks the response encoding from Accept-Encoding,
// preferring brotli, then gzip, then deflate.
func negotiateEncoding(acceptEncoding string) string {
	var hasGzip, hasDeflate bool
	for _, part := range strings.Split(acceptEncoding, ",") {
		enc := strings.TrimSpace(part)
		if i := strings.IndexByte(enc, ';'); i >= 0 {
			enc = strings.TrimSpace(enc[:i])
		}
		switch enc {
		case "br":
			return "br"
		case "gzip":
			hasGzip = true
		case "deflate":
			hasDeflate = true
		}
	}
	if hasGzip {
		return "gzip"
	}
	if hasDeflate {
		return "deflate"
	}
	return ""
}

// newCompressWriter creates a compression writer for the given format.
func newCompressWriter(w io.Writer, format string) (io.WriteCloser, error) {
	switch format {
	case "gzip":
		return gzip.NewWriter(w), nil
	case "deflate":
		return flate.NewWriter(w, flate.DefaultCompression)
	case "br":
		return brotli.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", format)
	}
}

// decodeRequestBody transparently decompresses an inbound request body
// per its Content-Encoding, capped to guard against decompression
// bombs.
func decodeRequestBody(req *http.Request) error {
	encoding := strings.ToLower(strings.TrimSpace(req.Header.Get("Content-Encoding")))
	if encoding == "" || encoding == "identity" || req.Body == nil {
		return nil
	}
	var reader io.ReadCloser
	switch encoding {
	case "gzip":
		r, err := gzip.NewReader(req.Body)
		if err != nil {
			return errValidation("invalid gzip request body: %v", err)
		}
		reader = r
	case "deflate":
		reader = flate.NewReader(req.Body)
	case "br":
		reader = io.NopCloser(brotli.NewReader(req.Body))
	default:
		return errValidation("unsupported Content-Encoding %q", encoding)
	}
	body, err := io.ReadAll(io.LimitReader(reader, maxDecompressedSize+1))
	_ = reader.Close()
	if err != nil {
		return errValidation("decompressing request body: %v", err)
	}
	if len(body) > maxDecompressedSize {
		return errValidation("decompressed request body exceeds maximum allowed size")
	}
	req.Body = io.NopCloser(strings.NewReader(string(body)))
	req.ContentLength = int64(len(body))
	req.Header.Del("Content-Encoding")
	return nil
}

// compressResponse negotiates and applies response compression. Small
// bodies and already-encoded responses pass through untouched.
func compressResponse(w http.ResponseWriter, req *http.Request, status int, header http.Header, body []byte) error {
	const minCompressSize = 1024
	encoding := negotiateEncoding(req.Header.Get("Accept-Encoding"))
	for k, vs := range header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if encoding == "" || len(body) < minCompressSize || header.Get("Content-Encoding") != "" {
		w.WriteHeader(status)
		_, err := w.Write(body)
		return err
	}
	w.Header().Set("Content-Encoding", encoding)
	w.Header().Del("Content-Length")
	w.Header().Add("Vary", "Accept-Encoding")
	w.WriteHeader(status)
	cw, err := newCompressWriter(w, encoding)
	if err != nil {
		return err
	}
	if _, err := cw.Write(body); err != nil {
		return err
	}
	return cw.Close()
}
