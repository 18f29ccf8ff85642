// Package protocol describes how endpoint groups expose their routes to the server.
package protocol

import "net/http"

// EndpointRoute is one method+path served by an endpoint.
type EndpointRoute struct {
	Method  string
	Path    string
	Handler http.Handler
	// Name labels request metrics.
	Name string
	// Permission, when set, must be held by the requester.
	Permission string
}

// Endpoint is a named group of routes registered together.
type Endpoint interface {
	Name() string
	Routes() []EndpointRoute
}
