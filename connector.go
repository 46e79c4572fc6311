package connpool

import "github.com/tmoreau-dev/connpool/internal/contract"

// Connector supplies the physical connection mechanics a Pool uses to
// open, move, and close connections. Everything about the wire protocol,
// DSN parsing, and TLS lives behind an implementation of this interface,
// outside this module's scope.
type Connector = contract.Connector

// HealthChecker is an optional capability a Connector may implement to
// have idle connections checked on each periodic prune pass, closing any
// that fail.
type HealthChecker = contract.HealthChecker

// ConnectError reports a failed Connect/Reconnect attempt.
type ConnectError = contract.ConnectError
