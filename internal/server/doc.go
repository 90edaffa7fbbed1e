// Package server implements the TCP listeners that carry the SlimProto
// control channel and the HTTP streaming channel, and the chi based
// management API for health checks, session listings and metrics.
package server
