// Package loadbalancer holds the upstream pool and its lock-free round-robin
// selection.
package loadbalancer
