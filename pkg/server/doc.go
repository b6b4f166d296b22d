// Package server assembles a CoAP origin server and caching proxy.
//
// A Server owns the UDP listeners, a ProxyEngine for duplicate detection
// and routing, a resource registry, a response cache and one client engine
// per upstream origin. Resources are added by URI:
//
//	srv.AddProvider("/echo", &resource.EchoProvider{})
//	srv.AddProxy("coap://10.0.0.5:5683/temp", server.ProxyOptions{})
//
// A URI naming a local endpoint (or no host) registers an origin resource.
// Any other host is registered as a proxy endpoint and the resource is
// exposed under both its path and "proxy/" + path.
package server
