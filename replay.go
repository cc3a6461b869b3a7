// Package replay records HTTP responses as fixtures and serves them back
// for identical requests.
package replay

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/always-cache/replay/cache"
	cachekey "github.com/always-cache/replay/pkg/cache-key"
	chain "github.com/always-cache/replay/pkg/plugin-chain"

	"github.com/rs/zerolog"
)

type Config struct {
	// Namespace for cache keys. Required; an empty bucket is unset.
	Bucket string
	// Allow requests without a fixture to go downstream and be recorded.
	RecordMode bool
	// Storage for fixtures. An in-memory store is used if nil.
	Store cache.Store
	// Creates replayed bodies. StringStreamFactory is used if nil.
	StreamFactory StreamFactory
	// Canonicalization used for cache keys.
	KeyScheme cachekey.Scheme
	// Logger to use. A console logger showing warnings and errors is used if nil.
	Logger *zerolog.Logger
	// Optional Prometheus counters.
	Metrics *Metrics
}

// Validate reports configuration mistakes that would make every request fail.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigurationError{Field: "Bucket", Err: ErrNoBucket}
	}
	return nil
}

// Replayer is a chain plugin that answers requests from recorded fixtures.
// It is immutable and safe for concurrent use if its store is.
type Replayer struct {
	store      cache.Store
	streams    StreamFactory
	keyer      cachekey.CacheKeyer
	recordMode bool
	log        zerolog.Logger
	metrics    *Metrics
	now        func() time.Time
}

// New creates a replayer. A missing bucket is not reported here,
// but by every request that needs a cache key.
func New(config Config) *Replayer {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = defaultLogger()
	} else {
		logger = *config.Logger
	}

	store := config.Store
	if store == nil {
		// the default config is always valid
		store, _ = cache.NewMemoryStore(cache.DefaultMemoryConfig())
	}
	streams := config.StreamFactory
	if streams == nil {
		streams = StringStreamFactory{}
	}

	r := &Replayer{
		store:      store,
		streams:    streams,
		keyer:      cachekey.NewCacheKeyer(config.Bucket, config.KeyScheme),
		recordMode: config.RecordMode,
		metrics:    config.Metrics,
		now:        time.Now,
	}
	r.log = childLogger(logger, config.Bucket)
	return r
}

// defaultLogger writes to the console, but only warnings and errors:
// request decisions are logged at debug and trace level.
func defaultLogger() zerolog.Logger {
	return zerolog.New(zerolog.NewConsoleWriter()).Level(zerolog.WarnLevel)
}

func childLogger(logger zerolog.Logger, bucket string) zerolog.Logger {
	return logger.With().Str("bucket", bucket).Logger()
}

// WithBucket returns a copy of the replayer using the given bucket.
func (r *Replayer) WithBucket(name string) *Replayer {
	c := *r
	c.keyer.Bucket = name
	c.log = childLogger(r.log, name)
	return &c
}

// WithRecordMode returns a copy of the replayer that records misses.
func (r *Replayer) WithRecordMode() *Replayer {
	c := *r
	c.recordMode = true
	return &c
}

func (r *Replayer) Bucket() string {
	return r.keyer.Bucket
}

func (r *Replayer) RecordMode() bool {
	return r.recordMode
}

// CacheKey returns the key the fixture for req is stored under.
// The request body is read and replaced with an equivalent one.
func (r *Replayer) CacheKey(req *http.Request) (string, error) {
	key, err := r.keyer.GetKey(req)
	if errors.Is(err, cachekey.ErrMissingBucket) {
		return "", &ConfigurationError{Field: "Bucket", Err: ErrNoBucket}
	}
	return key, err
}

// HandleRequest implements chain.Plugin.
// A stored fixture is returned without calling next. Otherwise the request
// is either rejected, or sent downstream and its response recorded.
func (r *Replayer) HandleRequest(req *http.Request, next, _ chain.Next) (*http.Response, error) {
	key, err := r.CacheKey(req)
	if err != nil {
		return nil, err
	}
	bucket := r.keyer.Bucket
	log := r.log.With().Str("key", key).Logger()
	ctx := req.Context()

	log.Trace().Str("method", req.Method).Str("url", req.URL.String()).Msg("Looking up fixture")
	fixture, found, err := r.store.Get(ctx, key)
	if err != nil {
		r.metrics.storeError(bucket)
		log.Error().Err(err).Msg("Could not read fixture")
		return nil, err
	}

	if found {
		if fixture.Response == nil {
			return nil, fmt.Errorf("replay: fixture %s has no response", key)
		}
		r.metrics.hit(bucket)
		r.logRequest(log, req, "hit")
		return r.createStoredResponse(req, fixture), nil
	}

	r.metrics.miss(bucket)
	if !r.recordMode {
		r.metrics.unavailable(bucket)
		r.logRequest(log, req, "unavailable")
		return nil, &ReplayUnavailableError{
			Method: req.Method,
			Target: req.URL.String(),
			Key:    key,
		}
	}

	res, err := next(req)
	if err != nil {
		return res, err
	}
	if res == nil {
		return nil, fmt.Errorf("replay: no response for %s %s", req.Method, req.URL)
	}

	body, err := captureBody(res)
	if err != nil {
		log.Error().Err(err).Msg("Could not read response body")
		return nil, err
	}

	entry := cache.CacheEntry{
		Key: key,
		Fixture: cache.Fixture{
			Response:   res,
			Body:       body,
			RecordedAt: r.now(),
		},
	}
	if err := r.store.Put(ctx, entry); err != nil {
		r.metrics.storeError(bucket)
		log.Error().Err(err).Msg("Could not write fixture")
		if res.Body != nil {
			res.Body.Close()
		}
		return nil, err
	}
	r.metrics.recorded(bucket)
	r.logRequest(log, req, "recorded")
	log.Trace().Msgf("Recorded body (%d bytes)", len(body))
	return res, nil
}

// createStoredResponse returns a copy of the recorded response,
// with a fresh body and the current request.
// Header maps are copied too, callers such as reverse proxies edit them in place.
func (r *Replayer) createStoredResponse(req *http.Request, f cache.Fixture) *http.Response {
	res := *f.Response
	res.Header = f.Response.Header.Clone()
	res.Trailer = f.Response.Trailer.Clone()
	res.Body = r.streams.CreateStream(f.Body)
	res.Request = req
	return &res
}

// captureBody reads the complete body of res and leaves res with a body
// that can still be read from the start.
func captureBody(res *http.Response) (string, error) {
	if res.Body == nil || res.Body == http.NoBody {
		return "", nil
	}
	b, err := io.ReadAll(res.Body)
	if err != nil {
		res.Body.Close()
		return "", fmt.Errorf("replay: read response body: %w", err)
	}
	if seeker, ok := res.Body.(io.Seeker); ok {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			res.Body.Close()
			return "", fmt.Errorf("replay: rewind response body: %w", err)
		}
		return string(b), nil
	}
	res.Body.Close()
	res.Body = newStringBody(string(b))
	return string(b), nil
}

func (r *Replayer) logRequest(log zerolog.Logger, req *http.Request, outcome string) {
	log.Debug().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Str("outcome", outcome).
		Msg("Handled request")
}

// NewClient returns an HTTP client that sends every request through r.
// A nil transport means http.DefaultTransport.
func NewClient(r *Replayer, transport http.RoundTripper) *http.Client {
	return &http.Client{Transport: chain.New(transport, r)}
}
