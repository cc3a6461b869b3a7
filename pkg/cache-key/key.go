package cachekey

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// ErrMissingBucket is returned when a key is requested from a keyer without a bucket.
var ErrMissingBucket = errors.New("bucket not set")

// Scheme selects how a request is serialized before it is hashed.
type Scheme int

const (
	// SchemeLengthPrefixed writes every field as `<len>:<bytes>,`.
	// Two different requests can never produce the same digest input.
	SchemeLengthPrefixed Scheme = iota
	// SchemeLegacy joins method, target, header block and body with single spaces.
	// The header block is `name:v1,v2` entries joined by a space.
	// Header values containing those delimiters can collide; use it only to share
	// fixtures with tooling that computes keys this way.
	SchemeLegacy
)

const (
	bucketSeparator = "-"
	fieldSeparator  = " "
	headerSeparator = " "
	nameSeparator   = ":"
	valueSeparator  = ","
)

// ParseScheme maps a scheme name ("length-prefixed", "legacy") to a Scheme.
func ParseScheme(name string) (Scheme, error) {
	switch strings.ToLower(name) {
	case "", "length-prefixed":
		return SchemeLengthPrefixed, nil
	case "legacy":
		return SchemeLegacy, nil
	}
	return SchemeLengthPrefixed, fmt.Errorf("unknown key scheme %q", name)
}

func (s Scheme) String() string {
	if s == SchemeLegacy {
		return "legacy"
	}
	return "length-prefixed"
}

type CacheKeyer struct {
	// Namespace for all keys produced by this keyer.
	Bucket string
	// Serialization used for the digest input.
	Scheme Scheme
}

func NewCacheKeyer(bucket string, scheme Scheme) CacheKeyer {
	return CacheKeyer{
		Bucket: bucket,
		Scheme: scheme,
	}
}

// GetKey returns the `{bucket}-{sha1 hex}` key for a request.
// The bucket is checked before the request is touched.
// When it returns, the request body (if any) can be read again from the beginning.
func (c CacheKeyer) GetKey(r *http.Request) (string, error) {
	if c.Bucket == "" {
		return "", ErrMissingBucket
	}
	digest, err := Digest(r, c.Scheme)
	if err != nil {
		return "", err
	}
	return c.Bucket + bucketSeparator + digest, nil
}

// Digest returns the hex encoded SHA-1 of the canonical request serialization.
func Digest(r *http.Request, scheme Scheme) (string, error) {
	h := sha1.New()
	if err := Canonicalize(h, r, scheme); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Canonicalize writes the digest input for the request to w.
func Canonicalize(w io.Writer, r *http.Request, scheme Scheme) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	target := ""
	if r.URL != nil {
		target = r.URL.String()
	}
	if scheme == SchemeLegacy {
		_, err = io.WriteString(w, strings.Join([]string{
			r.Method,
			target,
			legacyHeaderBlock(r.Header),
			string(body),
		}, fieldSeparator))
		return err
	}
	fw := fieldWriter{w: w}
	fw.field([]byte(r.Method))
	fw.field([]byte(target))
	names := headerNames(r.Header)
	fw.field([]byte(strconv.Itoa(len(names))))
	for _, name := range names {
		values := r.Header[name]
		fw.field([]byte(name))
		fw.field([]byte(strconv.Itoa(len(values))))
		for _, v := range values {
			fw.field([]byte(v))
		}
	}
	fw.field(body)
	return fw.err
}

// fieldWriter writes netstring-like fields and remembers the first error.
type fieldWriter struct {
	w   io.Writer
	err error
}

func (f *fieldWriter) field(b []byte) {
	if f.err != nil {
		return
	}
	if _, f.err = io.WriteString(f.w, strconv.Itoa(len(b))+":"); f.err != nil {
		return
	}
	if _, f.err = f.w.Write(b); f.err != nil {
		return
	}
	_, f.err = io.WriteString(f.w, ",")
}

// headerNames returns the header names in byte order.
// http.Header is a map, so sorting is the only stable enumeration order.
func headerNames(h http.Header) []string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func legacyHeaderBlock(h http.Header) string {
	names := headerNames(h)
	entries := make([]string, 0, len(names))
	for _, name := range names {
		entries = append(entries, name+nameSeparator+strings.Join(h[name], valueSeparator))
	}
	return strings.Join(entries, headerSeparator)
}

// readBody returns the full request body and leaves a re-readable copy on the request.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return body, nil
}
