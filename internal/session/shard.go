package session

import "github.com/cespare/xxhash/v2"

const defaultShards = 32

func shardIndex(sessionCode string, n int) int {
	return int(xxhash.Sum64String(sessionCode) % uint64(n))
}
