// Package logx is notifyd's structured logging, a thin layer over zerolog.
//
// Components receive a Logger and derive from it with With(Component(..)).
// The Service behind it owns three sinks, each optional:
//   - console: human readable, short timestamp and file:line caller
//   - file: JSON lines
//   - operator: JSON lines limited to terminal failures (see Terminal) and
//     records at or above a min level, rate limited
//
// Service.Apply swaps sinks and level at runtime; loggers handed out before
// the swap follow it.
package logx
