// Package alert delivers topology events to their consumers: the process
// log, an in-memory recorder served by the admin API, and optionally a Redis
// list that external alerting tails.
package alert
