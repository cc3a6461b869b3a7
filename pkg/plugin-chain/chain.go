// Package chain composes request plugins into an http.RoundTripper.
//
// A plugin sees every request before the transport does. It may forward the
// request to the rest of the chain by calling next, restart the whole chain
// with first (e.g. after rewriting the request), or answer on its own without
// calling either.
package chain

import (
	"net/http"
)

// Next forwards a request to the following link of a chain.
type Next func(req *http.Request) (*http.Response, error)

// Plugin is one link of a chain.
type Plugin interface {
	HandleRequest(req *http.Request, next, first Next) (*http.Response, error)
}

// PluginFunc adapts an ordinary function to the Plugin interface.
type PluginFunc func(req *http.Request, next, first Next) (*http.Response, error)

func (f PluginFunc) HandleRequest(req *http.Request, next, first Next) (*http.Response, error) {
	return f(req, next, first)
}

// Chain runs requests through its plugins, in order, and then through the transport.
type Chain struct {
	transport http.RoundTripper
	plugins   []Plugin
}

// New creates a chain ending in transport.
// http.DefaultTransport is used if transport is nil.
func New(transport http.RoundTripper, plugins ...Plugin) *Chain {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Chain{
		transport: transport,
		plugins:   plugins,
	}
}

// RoundTrip implements the http.RoundTripper interface.
func (c *Chain) RoundTrip(req *http.Request) (*http.Response, error) {
	return c.link(0)(req)
}

func (c *Chain) link(i int) Next {
	if i >= len(c.plugins) {
		return c.transport.RoundTrip
	}
	return func(req *http.Request) (*http.Response, error) {
		return c.plugins[i].HandleRequest(req, c.link(i+1), c.RoundTrip)
	}
}
