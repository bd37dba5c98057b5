// Package server manages the operator API's HTTP listener: background
// serving, connection capping, TLS hardening, and graceful shutdown on
// signal.
package server
