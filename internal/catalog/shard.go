package catalog

import "fmt"

// ShardAssignment is one worker's contiguous slice of the catalog.
type ShardAssignment struct {
	TotalWorkers int
	WorkerIndex  int
	ChunkSize    int
}

// NewShardAssignment validates the worker numbers and sizes chunks for a
// catalog of n items.
func NewShardAssignment(totalWorkers, workerIndex, n int) (ShardAssignment, error) {
	if totalWorkers < 1 {
		return ShardAssignment{}, fmt.Errorf("total workers must be >= 1, got %d", totalWorkers)
	}
	if workerIndex < 0 || workerIndex >= totalWorkers {
		return ShardAssignment{}, fmt.Errorf("worker index %d out of range [0,%d)", workerIndex, totalWorkers)
	}
	if n < 0 {
		return ShardAssignment{}, fmt.Errorf("catalog size must be >= 0, got %d", n)
	}
	return ShardAssignment{
		TotalWorkers: totalWorkers,
		WorkerIndex:  workerIndex,
		ChunkSize:    (n + totalWorkers - 1) / totalWorkers,
	}, nil
}

// Bounds returns the half-open range [start, end) of a catalog of n items.
// Trailing workers get an empty range when the catalog runs out.
func (a ShardAssignment) Bounds(n int) (start, end int) {
	start = min(a.WorkerIndex*a.ChunkSize, n)
	end = min(start+a.ChunkSize, n)
	return start, end
}

// Shard returns the contiguous slice of items owned by workerIndex.
func Shard(items []string, totalWorkers, workerIndex int) ([]string, error) {
	a, err := NewShardAssignment(totalWorkers, workerIndex, len(items))
	if err != nil {
		return nil, err
	}
	start, end := a.Bounds(len(items))
	return items[start:end], nil
}
