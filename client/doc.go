// Package client is the runtime for talking to the task host.
//
// A Client owns one Transport. Inbound bytes are split into lines, decoded
// into envelopes and routed: acknowledgements fire the Connect event, host
// events fire under their own name and command replies complete the waiting
// SendCommand call with the same correlation id.
//
// Every command carries a fresh correlation id, so any number of commands may
// be in flight at once.
//
// Basic usage:
//
//	cfg := client.DefaultConfig()
//	cfg.Port = 7345
//	c, err := client.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	c.On(events.Task(protocol.EventTaskStarted), func(ev events.Event) {
//	    fmt.Println("task started:", string(ev.Payload))
//	})
//
//	if err := c.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	ready, err := c.IsReady(ctx)
//
// Listeners run on a dedicated goroutine, one event at a time and in arrival
// order. They may call SendCommand, but must not block on events that only a
// later listener call would deliver.
//
// In listen mode the client opens a local socket and the host dials in; the
// address is available from Transport().(*transport.Listen).Addr() after
// Connect.
package client
