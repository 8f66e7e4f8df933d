package call

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	// DropOldest discards the oldest queued status to make room.
	DropOldest
	// KickWatcher closes the watcher channel.
	KickWatcher
)

// Policy decides what happens when a status watcher is not keeping up.
type Policy interface {
	OnBackPressure(pending int) BackpressureAction
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(pending int) BackpressureAction

func (f PolicyFunc) OnBackPressure(pending int) BackpressureAction { return f(pending) }

// SimplePolicy keeps watchers connected and always delivers the latest
// snapshot.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(int) BackpressureAction { return DropOldest }
