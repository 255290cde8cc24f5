package cluster

import (
	"errors"
)

// Error kinds shared by every Handle implementation and by the orchestrator.
var (
	// ErrTransientUnavailable covers network failures and timeouts. Retried.
	ErrTransientUnavailable = errors.New("cluster temporarily unavailable")

	ErrInvalidBoundary = errors.New("invalid split boundary")
	ErrUnknownShard    = errors.New("unknown shard")

	// ErrNoOpMigration is returned when the selected range already lives on
	// the destination. Callers log it and carry on.
	ErrNoOpMigration = errors.New("range already on destination shard")

	ErrAlreadyEnabled    = errors.New("partitioning already enabled")
	ErrAlreadySharded    = errors.New("collection already sharded")
	ErrNamespaceNotFound = errors.New("namespace not found")
	ErrSplitExists       = errors.New("split boundary already exists")
	ErrDuplicateKey      = errors.New("duplicate key")
	ErrAlreadyInitiated  = errors.New("replica group already initiated")

	ErrUnsatisfiableRequirement = errors.New("consistency requirement cannot be satisfied")
	ErrVerification             = errors.New("distribution verification failed")
	ErrInvalidConfig            = errors.New("invalid configuration")
)

// kinds is checked in order; the first match wins.
var kinds = []struct {
	name string
	err  error
}{
	{"unsatisfiable_requirement", ErrUnsatisfiableRequirement},
	{"invalid_boundary", ErrInvalidBoundary},
	{"unknown_shard", ErrUnknownShard},
	{"noop_migration", ErrNoOpMigration},
	{"already_enabled", ErrAlreadyEnabled},
	{"already_sharded", ErrAlreadySharded},
	{"namespace_not_found", ErrNamespaceNotFound},
	{"split_exists", ErrSplitExists},
	{"duplicate_key", ErrDuplicateKey},
	{"already_initiated", ErrAlreadyInitiated},
	{"verification_failed", ErrVerification},
	{"invalid_config", ErrInvalidConfig},
	{"transient_unavailable", ErrTransientUnavailable},
}

// KindOf names the sentinel wrapped by err, or "" when there is none.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return ""
}

// ErrorForKind returns the sentinel registered under name.
func ErrorForKind(name string) (error, bool) {
	for _, k := range kinds {
		if k.name == name {
			return k.err, true
		}
	}
	return nil, false
}

// IsIdempotent reports conditions that mean "already done": the caller
// treats them as success.
func IsIdempotent(err error) bool {
	return errors.Is(err, ErrNamespaceNotFound) ||
		errors.Is(err, ErrAlreadyEnabled) ||
		errors.Is(err, ErrAlreadySharded) ||
		errors.Is(err, ErrSplitExists) ||
		errors.Is(err, ErrNoOpMigration) ||
		errors.Is(err, ErrDuplicateKey) ||
		errors.Is(err, ErrAlreadyInitiated)
}

// IsFatal reports planning, placement and policy errors that retrying the
// same call cannot fix.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidBoundary) ||
		errors.Is(err, ErrUnknownShard) ||
		errors.Is(err, ErrUnsatisfiableRequirement) ||
		errors.Is(err, ErrVerification) ||
		errors.Is(err, ErrInvalidConfig)
}
