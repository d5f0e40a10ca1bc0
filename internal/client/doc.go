// Package client provides a Go client for connecting to a running
// Verso bridge.
//
// It is used by the attach command and by integration tests that need
// to drive a live Verso instance.
//
// # Basic Usage
//
// Create a client and list stored sessions:
//
//	c := client.New("http://127.0.0.1:7537", client.WithToken(token))
//	sessions, err := c.ListSessions(ctx, "")
//
// # Live Connection
//
// Connect over WebSocket for real-time interaction:
//
//	c.SetHandlers(client.Handlers{
//	    OnTranscript: func(p bridge.TranscriptPayload) {
//	        // repaint the transcript
//	    },
//	})
//	if err := c.Connect(ctx); err != nil {
//	    return err
//	}
//	c.Send("hello")
package client
