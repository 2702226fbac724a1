package messaging

// Topic constants for the pool messaging system.
const (
	// TopicJobs carries block-template-derived jobs from the job builder to
	// the pool front-ends.
	TopicJobs = "mining.jobs"
	// TopicShares carries accepted shares to downstream processors.
	TopicShares = "mining.shares"
	// TopicBlockCandidates carries block candidates to the block submitter.
	TopicBlockCandidates = "mining.block-candidates"
	// TopicAdminNotifications carries operator notifications.
	TopicAdminNotifications = "pool.notifications.admin"
)
