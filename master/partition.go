package master

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/unixpickle/primeempire/taskproto"
)

// DefaultChunkSize is the number of inputs per task when no
// other size is configured.
const DefaultChunkSize = 1000

// Partition splits numbers into contiguous tasks of at most
// chunkSize elements, each with a fresh random ID.
func Partition(numbers []int, chunkSize int) ([]*taskproto.Task, error) {
	if len(numbers) == 0 {
		return nil, ErrNoInput
	}
	if chunkSize < 1 {
		return nil, fmt.Errorf("%w: chunk size %d", taskproto.ErrInvalidArgument, chunkSize)
	}
	tasks := make([]*taskproto.Task, 0, (len(numbers)+chunkSize-1)/chunkSize)
	for start := 0; start < len(numbers); start += chunkSize {
		end := start + chunkSize
		if end > len(numbers) {
			end = len(numbers)
		}
		t, err := taskproto.NewTask(uuid.NewString(), numbers, start, end)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
