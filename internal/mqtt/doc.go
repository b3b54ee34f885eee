// Package mqtt publishes aide's status to an MQTT broker: a retained
// availability topic backed by a will message, and a retained JSON
// status document refreshed on an interval.
//
// Connection management uses Eclipse Paho v2's [autopaho] package, which
// reconnects on its own. Every (re-)connect republishes "online" and the
// current status.
package mqtt
