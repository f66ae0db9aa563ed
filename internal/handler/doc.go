// Package handler implements the proxy's top-level HTTP handler. It routes
// each request, forwards proxied routes to a backend picked from the pool,
// renders the error page when forwarding fails and writes the access and
// error logs.
package handler
