// Package logx configures sightbot's structured logging.
//
// Logger is a small value type over zerolog. The Service behind it renders
// console lines for operators, appends JSON lines to an optional file, and can
// forward warnings to an ops chat through a rate-limited ChatSink.
package logx
