// Package duplex is an HTTP client that speaks HTTP/1.1 or HTTP/2 behind one
// request API.
//
// A Client owns a single connection. The protocol is fixed when the
// connection is set up: over TLS it is negotiated with ALPN and must match
// Config.Version, over cleartext only HTTP/1.1 is offered.
//
// Every request produces an ordered stream of events delivered to a Handler
// (response started, headers, content) and a Future that resolves to the
// aggregated Response:
//
//	client, err := duplex.Dial(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	future, err := client.Request(ctx, "GET", "/", duplex.NewHeaders("Accept", "text/plain"), nil,
//		duplex.Callbacks{Content: func(chunk []byte, final bool) { os.Stdout.Write(chunk) }})
//	if err != nil {
//		return err
//	}
//	resp, err := future.Wait(ctx)
//
// HTTP/1.1 connections carry one request at a time. HTTP/2 connections
// multiplex any number of requests.
package duplex
