// Package conn defines the connection capabilities shared by the transport layer and the session core.
// A connection is identified by a generational ID that is never reused, so session lookups
// cannot alias a connection that has already been closed.
package conn
