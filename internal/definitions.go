package internal

// PollEvent is one readiness notification returned by Poller.Wait.
type PollEvent struct {
	Fd    int
	Flags PollFlags
}

func (e PollEvent) Readable() bool {
	return e.Flags&ReadFlags != 0
}

func (e PollEvent) Writable() bool {
	return e.Flags&WriteFlags != 0
}

// Failed is true on error or hang-up. The multiplexer reports these even when
// they were not requested.
func (e PollEvent) Failed() bool {
	return e.Flags&ErrorFlags != 0
}
