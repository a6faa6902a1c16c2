package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"
)

// MaxBodySize caps a decoded body
const MaxBodySize = 32 << 20

// AcceptEncoding is advertised on every request
const AcceptEncoding = "gzip, zstd"

var (
	// ErrUnsupportedEncoding rejects a Content-Encoding we did not ask for
	ErrUnsupportedEncoding = errors.New("unsupported content encoding")
	// ErrBodyTooLarge is returned when a decoded body exceeds MaxBodySize
	ErrBodyTooLarge = errors.New("response body too large")
)

var gzipMagic = []byte{0x1f, 0x8b}

// decodeContent undoes the response's Content-Encoding
func decodeContent(encoding string, body []byte) ([]byte, error) {
	var r io.ReadCloser
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		// resty inflates gzip itself but leaves the header in place
		if !bytes.HasPrefix(body, gzipMagic) {
			return body, nil
		}
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		r = zr
	case "zstd":
		zr, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		r = zr.IOReadCloser()
	default:
		return nil, fmt.Errorf("%q: %w", encoding, ErrUnsupportedEncoding)
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, MaxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", encoding, err)
	}
	if len(out) > MaxBodySize {
		return nil, ErrBodyTooLarge
	}
	return out, nil
}

// sniffType fills in a missing Content-Type from the body
func sniffType(contentType string, body []byte) string {
	if contentType != "" {
		return contentType
	}
	return mimetype.Detect(body).String()
}

// toUTF8 converts a text body to UTF-8 and returns the content type to
// report with it. A declared charset wins. Without one a body that is
// already valid UTF-8 is kept; otherwise HTML meta declarations are tried
// before chardet guesses. Bodies that cannot be decoded are returned as is.
func toUTF8(contentType string, body []byte) ([]byte, string) {
	mediatype, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediatype, "text/") {
		return body, contentType
	}

	label := strings.ToLower(params["charset"])
	if label == "" {
		label = guessCharset(mediatype, contentType, body)
	}
	if label == "" || label == "utf-8" || label == "utf8" {
		return body, contentType
	}

	enc, name := charset.Lookup(label)
	if enc == nil || name == "utf-8" {
		return body, contentType
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return body, contentType
	}
	return decoded, mediatype + "; charset=utf-8"
}

func guessCharset(mediatype, contentType string, body []byte) string {
	if utf8.Valid(body) {
		return ""
	}

	detector := chardet.NewTextDetector()
	fallback := ""
	if mediatype == "text/html" {
		// a meta declaration wins; windows-1252 is what the prescan reports without one
		if _, name, _ := charset.DetermineEncoding(body, contentType); name != "windows-1252" {
			return name
		}
		detector = chardet.NewHtmlDetector()
		fallback = "windows-1252"
	}

	result, err := detector.DetectBest(body)
	if err != nil || result == nil {
		return fallback
	}
	return strings.ToLower(result.Charset)
}
