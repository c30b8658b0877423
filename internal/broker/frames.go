// Package broker fans market events out to websocket subscribers. Each
// connection speaks a small JSON frame protocol: authenticate, then
// subscribe to channels, then receive broadcast frames until disconnect.
package broker

import (
	"encoding/json"
	"strings"
	"time"
)

// frameKind enumerates the client frame types. Dispatch goes through
// frameHandlers; a kind missing from the table is a protocol error, not a
// silent drop.
type frameKind string

const (
	frameAuthenticate frameKind = "authenticate"
	frameSubscribe    frameKind = "subscribe"
	frameUnsubscribe  frameKind = "unsubscribe"
	framePing         frameKind = "ping"
)

// frameHandlers is the closed dispatch table for client frames.
var frameHandlers = map[frameKind]func(*Broker, *conn, json.RawMessage){
	frameAuthenticate: (*Broker).handleAuthenticate,
	frameSubscribe:    (*Broker).handleSubscribe,
	frameUnsubscribe:  (*Broker).handleUnsubscribe,
	framePing:         (*Broker).handlePing,
}

// clientFrame is the envelope every inbound frame uses.
type clientFrame struct {
	Type    frameKind       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type authPayload struct {
	Token string `json:"token"`
}

type subscribePayload struct {
	Channels []string `json:"channels"`
}

// userInfo identifies an authenticated subscriber.
type userInfo struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// serverFrame is the envelope every outbound frame uses. Unset fields are
// omitted, so each frame type carries only what it needs.
type serverFrame struct {
	Type         string      `json:"type"`
	ConnectionID string      `json:"connectionId,omitempty"`
	User         *userInfo   `json:"user,omitempty"`
	Channel      string      `json:"channel,omitempty"`
	Channels     []string    `json:"channels,omitempty"`
	Data         interface{} `json:"data,omitempty"`
	Message      string      `json:"message,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
}

const (
	frameWelcome       = "welcome"
	frameAuthenticated = "authenticated"
	frameSubscribed    = "subscribed"
	frameUnsubscribed  = "unsubscribed"
	frameError         = "error"
	frameBroadcast     = "broadcast"
	framePong          = "pong"
)

// selectorTopics may carry a ":selector" suffix on a subscription channel.
var selectorTopics = map[string]bool{
	"market-data":        true,
	"trade-updates":      true,
	"ai-recommendations": true,
}

// bareTopics are subscribable only without a selector.
var bareTopics = map[string]bool{
	"system-notifications": true,
	"user-notifications":   true,
}

// splitChannel separates "topic:selector" into its parts.
func splitChannel(channel string) (topic, selector string) {
	if i := strings.IndexByte(channel, ':'); i >= 0 {
		return channel[:i], channel[i+1:]
	}
	return channel, ""
}

// validChannel reports whether a channel may be subscribed to.
func validChannel(channel string) bool {
	topic, selector := splitChannel(channel)
	if selectorTopics[topic] {
		return true
	}
	return bareTopics[topic] && selector == ""
}
