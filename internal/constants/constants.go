package constants

const (
	MigrationLock = iota
	SweepLock
)
