// Package logx is simkit's structured logging facade over zerolog.
//
// Loggers are values: With scopes a component, Limited caps a hot log site
// such as a body that fails every quantum. A Service owns the sinks (console
// text, JSON file) and Apply swaps them while running; loggers already handed
// out pick up the change.
package logx
