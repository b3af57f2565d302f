package router

import (
	"strconv"
	"sync/atomic"
	"time"
)

// IDGenerator issues server message ids of the form
// <unix-millis base36>-<sequence base36>. The sequence never resets, so ids
// are unique for the life of the process even when the clock stalls.
type IDGenerator struct {
	seq atomic.Uint64
}

// Next returns a fresh id stamped with now.
func (g *IDGenerator) Next(now time.Time) string {
	n := g.seq.Add(1)
	return strconv.FormatInt(now.UnixMilli(), 36) + "-" + strconv.FormatUint(n, 36)
}
