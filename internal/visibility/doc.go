// Package visibility decides which subscribers perceive a positioned object.
//
// A Renderer owns a position, a radius and a viewer policy (an explicit
// viewer set or everyone in the object's locale). Render recomputes the set
// of subscribers that can see the object and reports only the difference
// against the previous render: subscribers that left through OnHide and
// subscribers that entered through OnShow.
//
// A Renderer is not meant to be mutated from several goroutines at once.
// Async code hops back to the update loop before touching it.
package visibility
