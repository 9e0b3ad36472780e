//go:build linux || darwin || freebsd || netbsd || openbsd

package sslsock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestAppData(t *testing.T) *appData {
	t.Helper()
	a, err := newAppData(&acceptCallbacks{})
	assertNotError(t, err, "newAppData failed")
	t.Cleanup(a.destroy)
	return a
}

func TestAppDataInterruptWakesWait(t *testing.T) {
	a := newTestAppData(t)
	fd, _ := socketPair(t)

	a.mu.Lock()
	a.parkLocked()
	a.mu.Unlock()

	time.AfterFunc(20*time.Millisecond, a.interrupt)
	start := time.Now()
	for a.isAlive() {
		_, err := a.wait(ErrorWantRead, fd, time.Time{})
		assertNotError(t, err, "wait failed")
		if a.isAlive() {
			a.mu.Lock()
			a.parkLocked()
			a.mu.Unlock()
		}
	}
	assertTrue(t, time.Since(start) < waitSlice, "interrupt did not wake the waiter")

	cur, peak := a.waiting()
	assertEquals(t, cur, 0)
	assertEquals(t, peak, 1)
}

func TestAppDataWaitSlice(t *testing.T) {
	a := newTestAppData(t)
	fd, _ := socketPair(t)

	a.mu.Lock()
	a.parkLocked()
	a.mu.Unlock()

	start := time.Now()
	n, err := a.wait(ErrorWantRead, fd, time.Time{})
	elapsed := time.Since(start)
	assertNotError(t, err, "wait failed")
	assertEquals(t, n, 0)
	assertTrue(t, elapsed >= waitSlice-5*time.Millisecond, "slice ended early: "+elapsed.String())
	assertTrue(t, a.isAlive(), "slice expiry killed the connection")
}

func TestAppDataWaitWritable(t *testing.T) {
	a := newTestAppData(t)
	fd, _ := socketPair(t)

	a.mu.Lock()
	a.parkLocked()
	a.mu.Unlock()

	n, err := a.wait(ErrorWantWrite, fd, time.Time{})
	assertNotError(t, err, "wait failed")
	assertEquals(t, n, 1)
}

func TestAppDataDestroy(t *testing.T) {
	a, err := newAppData(&acceptCallbacks{})
	assertNotError(t, err, "newAppData failed")

	a.destroy()
	a.destroy()
	assertTrue(t, !a.isAlive(), "destroyed state alive")

	// Notifying a destroyed state must not touch the closed pipe.
	a.interrupt()

	_, _, err = a.binding()
	assertTrue(t, errors.Is(err, ErrUpcallUnbound), "callbacks survived destroy")

	var nilState *appData
	nilState.destroy()
}

func TestAppDataBinding(t *testing.T) {
	a := newTestAppData(t)

	_, _, err := a.binding()
	assertTrue(t, errors.Is(err, ErrUpcallUnbound), "unbound state returned callbacks")

	env := context.WithValue(context.Background(), envKey{}, 1)
	scope := a.bind(env)
	got, cb, err := a.binding()
	assertNotError(t, err, "binding failed")
	assertEquals(t, got, env)
	assertNotNil(t, cb, "no callbacks")
	scope.release()

	_, _, err = a.binding()
	assertTrue(t, errors.Is(err, ErrUpcallUnbound), "released scope still bound")

	a.releaseCallbacks()
	scope = a.bind(env)
	_, _, err = a.binding()
	assertTrue(t, errors.Is(err, ErrUpcallUnbound), "bind after release succeeded")
	scope.release()
}

func TestAppDataFirstUpcallErrorWins(t *testing.T) {
	a := newTestAppData(t)
	first, second := errors.New("first"), errors.New("second")

	a.failUpcall(first)
	a.failUpcall(second)
	assertEquals(t, a.takeUpcallError(), first)
	assertTrue(t, a.takeUpcallError() == nil, "upcall error not consumed")
}

func TestSliceFor(t *testing.T) {
	d, ok := sliceFor(time.Time{})
	assertTrue(t, ok, "no deadline expired")
	assertEquals(t, d, waitSlice)

	d, ok = sliceFor(time.Now().Add(time.Hour))
	assertTrue(t, ok, "far deadline expired")
	assertEquals(t, d, waitSlice)

	d, ok = sliceFor(time.Now().Add(30 * time.Millisecond))
	assertTrue(t, ok, "near deadline expired")
	assertTrue(t, d > 0 && d <= 30*time.Millisecond, "slice not capped by deadline")
	assertEquals(t, d%time.Microsecond, time.Duration(0))

	_, ok = sliceFor(time.Now().Add(-time.Millisecond))
	assertTrue(t, !ok, "past deadline not expired")

	assertTrue(t, !expired(time.Time{}), "zero deadline expired")
	assertTrue(t, deadlineFor(0).IsZero(), "zero timeout has a deadline")
}
