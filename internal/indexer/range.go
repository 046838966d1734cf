package indexer

import (
	"fmt"
	"strings"
)

// BlockRange is an inclusive span of blocks read with one eth_getLogs call.
type BlockRange struct {
	From uint64
	To   uint64
}

func (r BlockRange) Len() uint64 {
	return r.To - r.From + 1
}

// Halve splits r in two. A single-block range cannot be split.
func (r BlockRange) Halve() (BlockRange, BlockRange, bool) {
	if r.From >= r.To {
		return r, BlockRange{}, false
	}
	mid := r.From + (r.To-r.From)/2
	return BlockRange{From: r.From, To: mid}, BlockRange{From: mid + 1, To: r.To}, true
}

// Batches cuts [from, to] into consecutive ranges of at most size blocks.
func Batches(from, to, size uint64) ([]BlockRange, error) {
	if size == 0 {
		return nil, fmt.Errorf("batch size must be greater than zero")
	}
	if to < from {
		return nil, fmt.Errorf("invalid block range %d-%d", from, to)
	}

	out := make([]BlockRange, 0, (to-from)/size+1)
	for start := from; ; start += size {
		end := to
		if to-start >= size {
			end = start + size - 1
		}
		out = append(out, BlockRange{From: start, To: end})
		if end == to {
			return out, nil
		}
	}
}

// Error texts nodes use when a log query spans too many results.
var tooManyHints = []string{
	"query returned more than",
	"response size exceeded",
	"log response size",
	"block range is too wide",
	"range too large",
}

// tooManyResults reports whether the node refused a log query because the
// range holds too many logs.
func tooManyResults(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range tooManyHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
