package agentrpc

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"

	"opengrid.ai/internal/protocol"
)

// tier is one way of putting an agent payload on the wire. Tiers are tried in order.
type tier struct {
	name            string
	contentType     string
	contentEncoding string
	compressed      bool
}

var tiers = []tier{
	{name: "structured-gzip", contentType: protocol.ContentTypeJSON, contentEncoding: "gzip", compressed: true},
	{name: "generic-gzip", contentType: protocol.ContentTypeGzip, compressed: true},
	{name: "plain", contentType: protocol.ContentTypeJSON},
}

const maxBodyBytes = 8 << 20

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func isGzip(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b
}

// readBody returns the decoded request payload for any of the encoding tiers.
func readBody(r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(raw) > maxBodyBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", maxBodyBytes)
	}
	ct := strings.ToLower(strings.TrimSpace(strings.Split(r.Header.Get("Content-Type"), ";")[0]))
	compressed := strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") || ct == protocol.ContentTypeGzip
	if !compressed && !isGzip(raw) {
		return raw, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if len(out) > maxBodyBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", maxBodyBytes)
	}
	return out, nil
}
