// Package server hosts the Fiber HTTP service for shelfcache: the middleware
// chain (panic recovery, request ids, JSON errors), the proxy routes that the
// player and image tags hit, and the shared outbound HTTP clients. Management
// routes under /-/ live in the routes subpackage and attach to the same app.
package server
