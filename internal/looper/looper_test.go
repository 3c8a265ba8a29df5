package looper

import "testing"

func TestFreshLooperHasNeedReturn(t *testing.T) {
	l := New()
	if !l.State().has(StateNeedReturn) {
		t.Fatal("expected a freshly created thread to start with NEED_RETURN set")
	}
}

func TestRegisterWithoutPendingRequestIsInvalid(t *testing.T) {
	l := New()
	l.Register(false)
	if !l.State().has(StateInvalid) {
		t.Fatal("expected registering without a pending spawn request to mark INVALID")
	}
}

func TestRegisterWithPendingRequestSucceeds(t *testing.T) {
	l := New()
	l.Register(true)
	s := l.State()
	if !s.has(StateRegistered) || s.has(StateInvalid) {
		t.Fatalf("expected clean REGISTERED transition, got %s", s)
	}
	if !l.EligibleForDispatch() {
		t.Fatal("expected a registered looper to be dispatch-eligible")
	}
}

func TestEnterFromFreshSucceeds(t *testing.T) {
	l := New()
	l.Enter()
	s := l.State()
	if !s.has(StateEntered) || s.has(StateInvalid) {
		t.Fatalf("expected clean ENTERED transition, got %s", s)
	}
}

func TestEnterWhileRegisteredIsInvalid(t *testing.T) {
	l := New()
	l.Register(true)
	l.Enter()
	if !l.State().has(StateInvalid) {
		t.Fatal("expected ENTER while REGISTERED to mark INVALID")
	}
}

func TestRegisterWhileEnteredIsInvalid(t *testing.T) {
	l := New()
	l.Enter()
	l.Register(true)
	if !l.State().has(StateInvalid) {
		t.Fatal("expected REGISTER while ENTERED to mark INVALID")
	}
}

func TestExitIsAlwaysLegal(t *testing.T) {
	for _, setup := range []func(*Looper){
		func(l *Looper) {},
		func(l *Looper) { l.Register(true) },
		func(l *Looper) { l.Enter() },
	} {
		l := New()
		setup(l)
		l.Exit()
		if !l.State().has(StateExited) {
			t.Fatal("expected EXIT to always succeed")
		}
		if l.EligibleForDispatch() {
			t.Fatal("expected an exited thread to no longer be dispatch-eligible")
		}
	}
}

func TestGovernorSpawnsOnlyWhenStarved(t *testing.T) {
	g := NewGovernor(4)
	l := New()
	l.Register(true)

	if !g.MaybeSpawn(l) {
		t.Fatal("expected spawn hint when no threads are ready or requested")
	}
	// the just-requested thread is now accounted for; another read should
	// not ask for a second spawn until that count clears.
	if g.MaybeSpawn(l) {
		t.Fatal("expected no further spawn hint while a request is outstanding")
	}
}

func TestGovernorStopsSpawningAtMax(t *testing.T) {
	g := NewGovernor(1)
	l := New()
	l.Register(true)

	if !g.MaybeSpawn(l) {
		t.Fatal("expected the first spawn hint")
	}
	g.ThreadStarted()
	if g.MaybeSpawn(l) {
		t.Fatal("expected no spawn hint once requested_threads_started reached max")
	}
}

func TestGovernorDoesNotSpawnForIneligibleThread(t *testing.T) {
	g := NewGovernor(4)
	l := New() // never registered or entered
	if g.MaybeSpawn(l) {
		t.Fatal("expected no spawn hint for a thread that is neither REGISTERED nor ENTERED")
	}
}

func TestGovernorReadyCountSuppressesSpawn(t *testing.T) {
	g := NewGovernor(4)
	g.ThreadIdle()
	l := New()
	l.Register(true)
	if g.MaybeSpawn(l) {
		t.Fatal("expected no spawn hint while a thread is already idle and ready")
	}
}
