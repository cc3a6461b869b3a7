package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/always-cache/replay"
	"github.com/always-cache/replay/cache"
	chain "github.com/always-cache/replay/pkg/plugin-chain"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// newRouter serves the fixture and metrics endpoints and proxies
// everything else to the origin through the replayer.
func newRouter(origin *url.URL, host string, replayer *replay.Replayer, store cache.Store, registry *prometheus.Registry, log zerolog.Logger) http.Handler {
	transport := http.DefaultTransport
	if host != "" {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: host,
			},
		}
	}

	proxy := &httputil.ReverseProxy{
		// Rewrite does not add X-Forwarded-* headers, which would make keys depend on the client.
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(origin)
			if host != "" {
				pr.Out.Host = host
			}
		},
		Transport:    chain.New(transport, replayer),
		ErrorHandler: proxyErrorHandler(log),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/-/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	if lister, ok := store.(cache.Lister); ok {
		r.Get("/-/fixtures", listFixtures(lister, replayer.Bucket()))
		r.Delete("/-/fixtures/{key}", purgeFixture(lister))
	}
	r.Handle("/*", proxy)
	return r
}

func proxyErrorHandler(log zerolog.Logger) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		var configErr *replay.ConfigurationError
		status := http.StatusBadGateway
		if errors.As(err, &configErr) {
			status = http.StatusInternalServerError
		}
		if !errors.Is(err, replay.ErrReplayUnavailable) {
			log.Error().Err(err).Str("url", r.URL.String()).Msg("Proxy error")
		}
		http.Error(w, err.Error(), status)
	}
}

// listFixtures writes the stored keys, one per line.
// The prefix query parameter defaults to the replayer's bucket.
func listFixtures(store cache.Lister, bucket string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		prefix := bucket + "-"
		if p := r.URL.Query().Get("prefix"); p != "" {
			prefix = p
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		err := store.AllKeys(r.Context(), prefix, func(key string) {
			fmt.Fprintln(w, key)
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

func purgeFixture(store cache.Lister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		if found, err := store.Has(r.Context(), key); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		} else if !found {
			http.NotFound(w, r)
			return
		}
		if err := store.Purge(r.Context(), key); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
