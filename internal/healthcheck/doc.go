// Package healthcheck implements active health checking of the upstream
// pool. A backend whose health endpoint stops answering 200 is marked dead
// and skipped by the round-robin until it answers again.
package healthcheck
