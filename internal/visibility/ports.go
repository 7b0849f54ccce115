package visibility

// LiveHandle is a resolved, connected subscriber.
type LiveHandle interface {
	Position() Position
	// Reachable is false while the subscriber cannot receive updates.
	Reachable() bool
}

// Resolver looks up a subscriber. ok is false for unknown or disconnected ids.
type Resolver interface {
	Resolve(id SubscriberID) (h LiveHandle, ok bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(id SubscriberID) (LiveHandle, bool)

func (f ResolverFunc) Resolve(id SubscriberID) (LiveHandle, bool) { return f(id) }

// Population lists the subscribers currently in a locale. It backs the
// broadcast policy.
type Population interface {
	InLocale(locale LocaleID) []SubscriberID
}
