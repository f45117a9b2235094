package dispatch

// singleThreadedAttentionLock is the zero-overhead variant selected by
// WithSingleThreaded: since the caller guarantees Run/Poll are never
// invoked from more than one goroutine and never reentrantly, there is
// nothing to arbitrate (spec §5, "single poller thread" simplification
// when the caller doesn't need the general case).
type singleThreadedAttentionLock struct{}

func (singleThreadedAttentionLock) AcquireAttn()      {}
func (singleThreadedAttentionLock) TryAcquireAttn() bool { return true }
func (singleThreadedAttentionLock) AcquirePollWait()  {}
func (singleThreadedAttentionLock) Release()          {}
