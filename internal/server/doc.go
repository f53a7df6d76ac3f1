// Package server hosts the Fiber HTTP service: request id middleware, the
// /-/ diagnostics surface, the catch-all interception route, and the shared
// upstream http.Client. It maps inbound requests to absolute target URLs
// (TargetResolver) but knows nothing about caching; proxy handlers are
// injected through AppOptions so tests can replace them.
package server
