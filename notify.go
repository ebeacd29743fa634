package revdb

// NotificationEvent distinguishes commit notifications (a revision landed)
// from refresh notifications (an asynchronous view recompute swapped in).
type NotificationEvent uint8

const (
	EventCommit  NotificationEvent = 0
	EventRefresh NotificationEvent = 1
)

func (e NotificationEvent) String() string {
	if e == EventRefresh {
		return "refresh"
	}
	return "commit"
}

// Notification tells a subscriber that a database changed. Notifications are
// delivered outside the database lock, in commit order, on the goroutine that
// caused the change (or the scheduler goroutine for refreshes); handlers that
// block delay that caller, not other databases.
type Notification struct {
	DB     string
	Event  NotificationEvent
	Seq    uint64
	Op     OpKind
	Origin Origin

	RowIDs     []string
	FieldIDs   []string
	ViewIDs    []string
	Coercions  []CoercionLoss
	Superseded []Supersession
}

type Notifier interface {
	DatabaseChanged(n Notification)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(n Notification)

func (f NotifierFunc) DatabaseChanged(n Notification) { f(n) }

type nopNotifier struct{}

func (nopNotifier) DatabaseChanged(Notification) {}

func commitNotification(rev *Revision, d *Delta) Notification {
	n := Notification{
		DB:         rev.DB,
		Event:      EventCommit,
		Seq:        rev.Seq,
		Op:         rev.Op.OpKind(),
		Origin:     rev.Origin,
		RowIDs:     d.RowIDs(),
		FieldIDs:   d.FieldIDs(),
		Coercions:  d.Coercions,
		Superseded: d.Superseded,
	}
	for _, vc := range d.Views {
		n.ViewIDs = append(n.ViewIDs, vc.ViewID())
	}
	return n
}

func refreshNotification(db, viewID string, seq uint64) Notification {
	return Notification{DB: db, Event: EventRefresh, Seq: seq, ViewIDs: []string{viewID}}
}
