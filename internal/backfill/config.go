// Package backfill implements the two backfill components of §4.10/§4.11:
// a second, cursor-resumable firehose subscription that replays historical
// relay traffic, and a per-repo CAR-archive walk for seeding or repairing a
// single DID's data. Both feed the same processor.Processor used by the
// live firehose client, so a backfilled record goes through the identical
// validation, sanitization, and deferred-op machinery as a live one.
package backfill

import "time"

// Config holds the tunables named in the specification's environment
// variable list (§6). DefaultConfig supplies the defaults; fields of a
// Config are used as given, and zero values are not replaced. For
// BackfillDays, zero means "disabled".
type Config struct {
	// BackfillDays selects the cutoff filter: -1 = no cutoff (process
	// everything), 0 = backfill disabled entirely, N>0 = only records
	// newer than N days ago.
	BackfillDays int

	// BatchSize and BatchDelay throttle relay backfill so it never
	// starves the live pipeline for database or CPU time.
	BatchSize  int
	BatchDelay time.Duration

	// MaxConcurrent bounds parallel repo fetches during bulk repo
	// backfill (the relay's listRepos walk).
	MaxConcurrent int

	// MaxMemoryMB triggers the memory guard's pause-and-GC cycle.
	MaxMemoryMB int

	// UseIdle, when true, yields more aggressively between batches so
	// backfill only makes progress while the process is otherwise idle.
	UseIdle bool

	// MaxEventsPerRun is the relay backfill's safety limit (§4.10.5).
	MaxEventsPerRun int64
}

// DefaultConfig matches the specification's stated defaults.
func DefaultConfig() Config {
	return Config{
		BackfillDays:    0,
		BatchSize:       5,
		BatchDelay:      2000 * time.Millisecond,
		MaxConcurrent:   5,
		MaxMemoryMB:     512,
		UseIdle:         false,
		MaxEventsPerRun: 1_000_000,
	}
}

// cutoff returns the earliest createdAt a record may have to be processed,
// and whether a cutoff applies at all. BackfillDays == -1 means "no
// cutoff"; callers must check ok before comparing.
func (c Config) cutoff(now time.Time) (t time.Time, ok bool) {
	if c.BackfillDays < 0 {
		return time.Time{}, false
	}
	return now.AddDate(0, 0, -c.BackfillDays), true
}
