package wifiaware

// Unsupported is the driver of a host without an Aware radio. Sessions on
// it report the transport unavailable and never start.
type Unsupported struct{}

var _ Driver = Unsupported{}

func (Unsupported) Available() bool { return false }

func (Unsupported) Attach(fn func(AttachedSession, error)) {
	go fn(nil, ErrNotAttached)
}

func (Unsupported) RequestNetwork(spec NetworkSpecifier, cb NetworkCallback) int {
	if cb.Unavailable != nil {
		go cb.Unavailable()
	}
	return 0
}

func (Unsupported) ReleaseNetwork(int) {}
