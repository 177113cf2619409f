// Package assign maps each account to exactly one IMAP worker. The
// supervisor hosts a single Controller; it is the sole writer of the
// assignment maps.
package assign

import (
	"hash/fnv"
)

// rendezvousScore ranks a worker for an account (highest-random-weight
// hashing). Changing the worker set only moves the accounts whose
// top-ranked worker changed.
func rendezvousScore(workerID, account string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(workerID))
	h.Write([]byte{0})
	h.Write([]byte(account))
	return h.Sum64()
}

// pickWorker returns the rendezvous winner among workers for the account.
// Equal scores break toward the lexicographically smallest worker id so the
// choice is deterministic.
func pickWorker(workers []string, account string) (string, bool) {
	var (
		best      string
		bestScore uint64
		found     bool
	)
	for _, w := range workers {
		score := rendezvousScore(w, account)
		switch {
		case !found, score > bestScore:
			best, bestScore, found = w, score, true
		case score == bestScore && w < best:
			best = w
		}
	}
	return best, found
}
