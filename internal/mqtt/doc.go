// Package mqtt connects subscription workers to a real MQTT v5 broker.
//
// Unlike a self-healing connection manager, a [Dialer] hands out plain
// single-use connections built on Eclipse Paho v2's low-level [paho]
// client. Each connection belongs to exactly one worker and is never
// reconnected in place: when it dies the worker's loop ends, and the
// liveness watchdog replaces the whole worker with a freshly dialed one.
// Keeping recovery in one place means a stalled connection and a stalled
// listener are handled the same way.
//
// Connections support plain TCP and TLS (mqtts://, ssl://, tls://) with
// an optional CA bundle and client certificate, supplied either as a PEM
// cert/key pair or a PKCS#12 bundle. A SOCKS5 proxy can be placed in
// front of the broker connection.
package mqtt
