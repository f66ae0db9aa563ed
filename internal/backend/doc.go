// Package backend models a single upstream server: its address, the alive
// flag driven by the optional health checker, optional passive failure
// tracking, and atomic connection and selection counters.
package backend
