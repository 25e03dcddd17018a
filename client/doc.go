// Package client is the viewer side of livepipe: a Controller that keeps a
// websocket open across drops, and a Store that reconciles the live frame
// stream with pulled snapshots into one consistent view.
package client
