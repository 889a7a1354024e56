package config

// LockDriver selects the backend used for cross-instance mutual exclusion.
type LockDriver int

const (
	Postgres LockDriver = iota
	Redis
)

func (d LockDriver) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case Redis:
		return "redis"
	default:
		return "unknown"
	}
}
