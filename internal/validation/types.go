// Package validation implements Bitcoin-family share validation: submission
// parsing, duplicate detection, header reconstruction and target checks.
package validation

import (
	"sync"
	"time"

	"github.com/itrailmpool/miningcore/internal/stratum"
)

// Job is a block-template-derived work unit as delivered to miners.
type Job struct {
	ID                string
	PrevHash          string
	CoinB1            string
	CoinB2            string
	MerkleBranch      []string
	Version           string
	NBits             string
	NTime             string
	CleanJobs         bool
	Height            int64
	NetworkDifficulty float64
	CreatedAt         time.Time

	mu          sync.Mutex
	submissions map[string]struct{}
}

// Params returns the wire tuple for mining.notify.
func (j *Job) Params() []any {
	branch := make([]any, len(j.MerkleBranch))
	for i, b := range j.MerkleBranch {
		branch[i] = b
	}
	return []any{
		j.ID,
		j.PrevHash,
		j.CoinB1,
		j.CoinB2,
		branch,
		j.Version,
		j.NBits,
		j.NTime,
		j.CleanJobs,
	}
}

// RegisterSubmission records a solution key, returning false when the same
// solution was already submitted for this job.
func (j *Job) RegisterSubmission(key string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.submissions == nil {
		j.submissions = make(map[string]struct{})
	}
	if _, dup := j.submissions[key]; dup {
		return false
	}
	j.submissions[key] = struct{}{}
	return true
}

// Submission is a parsed mining.submit parameter set.
type Submission struct {
	WorkerName  string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
	Version     string
}

// ParseSubmission parses mining.submit params
// [worker, jobId, extraNonce2, nTime, nonce, version?].
func ParseSubmission(params []any) (*Submission, *stratum.StratumError) {
	if len(params) < 5 {
		return nil, stratum.ErrOther("invalid submit parameters")
	}
	fields := make([]string, 5)
	for i := range fields {
		s, ok := params[i].(string)
		if !ok {
			return nil, stratum.ErrOther("invalid submit parameters")
		}
		fields[i] = s
	}
	sub := &Submission{
		WorkerName:  fields[0],
		JobID:       fields[1],
		ExtraNonce2: fields[2],
		NTime:       fields[3],
		Nonce:       fields[4],
	}
	if len(params) > 5 {
		if v, ok := params[5].(string); ok {
			sub.Version = v
		}
	}
	return sub, nil
}
