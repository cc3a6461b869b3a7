package serializer

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const recordedAtHeaderName = "Replay-Recorded-At"

// ErrNoResponse is returned when a fixture without a response is serialized.
var ErrNoResponse = errors.New("fixture has no response")

// Fixture is a recorded response together with its complete body.
// The body of Response is not used; Body holds the exact bytes that were received.
type Fixture struct {
	Response *http.Response
	Body     string
	// The value of the clock when the fixture was recorded.
	RecordedAt time.Time
}

// record is the flat msgpack representation of a Fixture.
type record struct {
	Status           string      `msgpack:"status"`
	StatusCode       int         `msgpack:"status_code"`
	Proto            string      `msgpack:"proto"`
	ProtoMajor       int         `msgpack:"proto_major"`
	ProtoMinor       int         `msgpack:"proto_minor"`
	Header           http.Header `msgpack:"header"`
	Trailer          http.Header `msgpack:"trailer,omitempty"`
	ContentLength    int64       `msgpack:"content_length"`
	TransferEncoding []string    `msgpack:"transfer_encoding,omitempty"`
	Uncompressed     bool        `msgpack:"uncompressed"`
	Body             []byte      `msgpack:"body"`
	RecordedAt       time.Time   `msgpack:"recorded_at"`
}

// FixtureToBytes encodes a fixture into the compact binary form used by database backed stores.
func FixtureToBytes(f Fixture) ([]byte, error) {
	res := f.Response
	if res == nil {
		return nil, ErrNoResponse
	}
	return msgpack.Marshal(&record{
		Status:           res.Status,
		StatusCode:       res.StatusCode,
		Proto:            res.Proto,
		ProtoMajor:       res.ProtoMajor,
		ProtoMinor:       res.ProtoMinor,
		Header:           res.Header,
		Trailer:          res.Trailer,
		ContentLength:    res.ContentLength,
		TransferEncoding: res.TransferEncoding,
		Uncompressed:     res.Uncompressed,
		Body:             []byte(f.Body),
		RecordedAt:       f.RecordedAt,
	})
}

// BytesToFixture decodes bytes produced by FixtureToBytes.
// The returned response has no body; the body content is in Fixture.Body.
func BytesToFixture(b []byte) (Fixture, error) {
	var rec record
	if err := msgpack.Unmarshal(b, &rec); err != nil {
		return Fixture{}, fmt.Errorf("decode fixture: %w", err)
	}
	if rec.Header == nil {
		rec.Header = make(http.Header)
	}
	return Fixture{
		Response: &http.Response{
			Status:           rec.Status,
			StatusCode:       rec.StatusCode,
			Proto:            rec.Proto,
			ProtoMajor:       rec.ProtoMajor,
			ProtoMinor:       rec.ProtoMinor,
			Header:           rec.Header,
			Trailer:          rec.Trailer,
			ContentLength:    rec.ContentLength,
			TransferEncoding: rec.TransferEncoding,
			Uncompressed:     rec.Uncompressed,
		},
		Body:       string(rec.Body),
		RecordedAt: rec.RecordedAt,
	}, nil
}

// FixtureToWire returns the HTTP/1.1 text representation of a fixture.
// The body is written verbatim and Content-Length is set to its exact size,
// so the output can be read back (or edited by hand) without any chunk decoding.
func FixtureToWire(f Fixture) ([]byte, error) {
	if f.Response == nil {
		return nil, ErrNoResponse
	}
	// work on a copy, the stored response must not change
	res := *f.Response
	res.Header = f.Response.Header.Clone()
	if res.Header == nil {
		res.Header = make(http.Header)
	}
	if !f.RecordedAt.IsZero() {
		res.Header.Set(recordedAtHeaderName, f.RecordedAt.UTC().Format(time.RFC3339Nano))
	}
	if res.ProtoMajor == 0 {
		res.Proto, res.ProtoMajor, res.ProtoMinor = "HTTP/1.1", 1, 1
	}
	res.Body = io.NopCloser(strings.NewReader(f.Body))
	res.ContentLength = int64(len(f.Body))
	res.TransferEncoding = nil
	res.Trailer = nil
	res.Close = false
	res.Request = nil

	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WireToFixture parses bytes produced by FixtureToWire.
func WireToFixture(b []byte) (Fixture, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return Fixture{}, fmt.Errorf("read fixture response: %w", err)
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return Fixture{}, fmt.Errorf("read fixture body: %w", err)
	}
	res.Body = nil

	f := Fixture{Response: res, Body: string(body)}
	if recordedAt := res.Header.Get(recordedAtHeaderName); recordedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, recordedAt); err == nil {
			f.RecordedAt = t
		}
		// remove the extra header, it is not part of the recorded response
		res.Header.Del(recordedAtHeaderName)
	}
	return f, nil
}
