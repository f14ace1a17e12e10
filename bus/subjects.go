package bus

// DefaultSubjectPrefix is the first token of every subject escrowkit uses.
const DefaultSubjectPrefix = "escrowkit"

// Subjects builds the subject names events and notifications travel on.
type Subjects struct {
	prefix string
}

// NewSubjects creates a subject namer. An empty prefix uses
// DefaultSubjectPrefix.
func NewSubjects(prefix string) Subjects {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return Subjects{prefix: prefix}
}

// Prefix returns the subject prefix.
func (s Subjects) Prefix() string {
	return s.prefix
}

// Event returns the subject for one event type, e.g. "escrowkit.events.offer.accepted".
func (s Subjects) Event(eventType string) string {
	return s.prefix + ".events." + eventType
}

// AllEvents returns the wildcard subject matching every event.
func (s Subjects) AllEvents() string {
	return s.prefix + ".events.>"
}

// Notifications returns the subject committed notifications are published on.
func (s Subjects) Notifications() string {
	return s.prefix + ".notifications"
}
