package redis

// DefaultPrefix namespaces every key the store writes.
const DefaultPrefix = "jobqueue:"

type keys struct {
	prefix string
}

// job returns the hash holding one job: <prefix>job:<id>
func (k keys) job(id string) string { return k.prefix + "job:" + id }

// jobPrefix is handed to the claim script so it can build job keys itself.
func (k keys) jobPrefix() string { return k.prefix + "job:" }

// all is the sorted set of every job id, scored by enqueue time.
func (k keys) all() string { return k.prefix + "jobs" }

// waiting is the sorted set of claimable ids, scored by enqueue time.
func (k keys) waiting() string { return k.prefix + "waiting" }

// delayed holds retried ids until their available time, scored by it.
func (k keys) delayed() string { return k.prefix + "delayed" }
