package server

import (
	"net/http"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// h2cHandler serves HTTP/2 without TLS next to HTTP/1.1 so Connect
// streaming and the JSON API share one listener.
func h2cHandler(h http.Handler) http.Handler {
	return h2c.NewHandler(h, &http2.Server{})
}
