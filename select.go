package sslsock

import "time"

// waitSlice caps a single select so that a descriptor closed underneath us
// is noticed by the next engine call even where close does not wake select.
const waitSlice = 100 * time.Millisecond

// testHookWait, if set, observes every completed wait.
var testHookWait func(reason ErrorCode, n int)

func deadlineFor(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

func expired(deadline time.Time) bool {
	return !deadline.IsZero() && !time.Now().Before(deadline)
}

// sliceFor returns how long the next select may block. ok is false once the
// deadline has passed.
func sliceFor(deadline time.Time) (d time.Duration, ok bool) {
	if deadline.IsZero() {
		return waitSlice, true
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0, false
	}
	// Round up so select never returns a hair before the deadline.
	remaining = (remaining + time.Microsecond - 1).Truncate(time.Microsecond)
	if remaining > waitSlice {
		remaining = waitSlice
	}
	return remaining, true
}

// wait blocks until fd is ready for reason (ErrorWantRead or
// ErrorWantWrite), the cancellation pipe is signalled, or the current slice
// of deadline runs out. The caller must already have counted itself in
// waitingThreads; wait takes it back out. It returns the select result: >0
// for progress and 0 for an elapsed slice.
func (a *appData) wait(reason ErrorCode, fd int, deadline time.Time) (int, error) {
	var (
		n     int
		woken bool
		err   error
	)
	for {
		d, ok := sliceFor(deadline)
		if !ok {
			n, woken, err = 0, false, nil
			break
		}
		n, woken, err = selectOnce(reason, fd, a.pipeR, d)
		if err == nil || !isEINTR(err) {
			break
		}
		logf(logTypeSelect, "select interrupted by signal, retrying")
	}

	a.mu.Lock()
	if woken && !a.destroyed {
		drainToken(a.pipeR)
	}
	a.waitingThreads--
	a.mu.Unlock()

	if err != nil {
		return -1, selectError(err)
	}
	logf(logTypeSelect, "select(%s, fd=%d) = %d woken=%v", reason, fd, n, woken)
	if testHookWait != nil {
		testHookWait(reason, n)
	}
	return n, nil
}
