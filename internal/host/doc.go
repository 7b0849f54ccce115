// Package host holds the application-side collaborators of the visibility
// and scheduling primitives: the live scheduler registry, the subscriber
// directory, the periodic render driver and the presentation strategy.
package host
