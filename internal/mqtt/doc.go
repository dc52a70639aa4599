// Package mqtt holds the broker session and the periodic publish loop.
//
// The session uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. Lifecycle changes (connected,
// disconnected, publish acknowledged, error) are delivered to a single
// [EventHandler] and mirrored onto the event bus. Nothing in this
// package reacts to them; autopaho's reconnect is the only recovery.
//
// The [Loop] formats "<greeting>! Contagem: <n>", submits it at
// QoS 1 without retain, logs the message ID and sleeps a fixed
// interval. Publishes never block the loop: acknowledgments arrive
// later as [EventPublished].
package mqtt
