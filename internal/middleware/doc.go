// Package middleware holds http.Handler wrappers applied to the proxied
// routes.
package middleware
