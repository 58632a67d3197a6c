// Package chatnet provides a connection-oriented request/response channel to
// a chat backend over a single authenticated or unauthenticated WebSocket.
//
// A Network holds the shared settings (environment, user agent, proxy) and
// creates ChatService values. Each ChatService owns one session at a time and
// exposes four operations:
//
//   - ConnectUnauthenticated / ConnectAuthenticated: open the session
//   - Send: issue a request and wait for its correlated response
//   - Disconnect: close the session, failing requests still in flight
//
// Concurrent Sends share the session; responses are matched to requests by
// correlation ID. When the socket drops mid-request the service reconnects
// and retries within the request's timeout.
//
// Basic usage:
//
//	net, err := chatnet.NewNetwork(chatnet.Staging, "myapp/1.0",
//	    chatnet.WithLogger(slog.Default()))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	chat, err := net.NewChatService(chatnet.LogErrors(slog.Default()))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := chat.ConnectUnauthenticated(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer chat.Disconnect()
//
//	res, err := chat.Send(ctx, chatnet.NewRequest("GET", "/v1/config", nil, nil, 5*time.Second))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(res.Response.Status, res.DebugInfo.ReconnectCount)
package chatnet
