package store

// Key layout shared by the intake path and the dispatcher:
//
//	{queue}          sorted set, member = message id, score = epoch seconds
//	message:{id}     hash holding the ScheduledMessage record
//	lock:{id}        processing lock, SET NX with TTL

const (
	DefaultQueueKey = "scheduled_messages"
	recordPrefix    = "message:"
	lockPrefix      = "lock:"
)

// RecordKey returns the hash key holding the record for id.
func RecordKey(id string) string { return recordPrefix + id }

// LockKey returns the processing lock key for id.
func LockKey(id string) string { return lockPrefix + id }
