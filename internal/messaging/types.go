package messaging

import "time"

// JobMessage is a mining job published by the job builder. The wire params
// tuple is rebuilt from these fields and forwarded to miners verbatim.
type JobMessage struct {
	PoolID            string    `json:"pool_id"`
	JobID             string    `json:"job_id"`
	PrevHash          string    `json:"prev_hash"`
	CoinB1            string    `json:"coinb1"`
	CoinB2            string    `json:"coinb2"`
	MerkleBranch      []string  `json:"merkle_branch"`
	Version           string    `json:"version"`
	NBits             string    `json:"nbits"`
	NTime             string    `json:"ntime"`
	CleanJobs         bool      `json:"clean_jobs"`
	BlockHeight       int64     `json:"block_height"`
	NetworkDifficulty float64   `json:"network_difficulty"`
	CreatedAt         time.Time `json:"created_at"`
}

// AdminNotification is an operator-facing notification.
type AdminNotification struct {
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}
