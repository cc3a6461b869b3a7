package replay

import (
	"io"
	"strings"
)

// StreamFactory turns stored body content back into a readable body.
// Implementations must not have side effects; every call returns a fresh body.
type StreamFactory interface {
	CreateStream(content string) io.ReadCloser
}

// StringStreamFactory creates seekable in-memory bodies.
type StringStreamFactory struct{}

func (StringStreamFactory) CreateStream(content string) io.ReadCloser {
	return newStringBody(content)
}

// stringBody is a body that can be rewound, so a consumer may read it more than once.
type stringBody struct {
	*strings.Reader
}

func newStringBody(content string) stringBody {
	return stringBody{strings.NewReader(content)}
}

func (stringBody) Close() error {
	return nil
}
