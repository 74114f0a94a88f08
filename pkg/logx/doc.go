// Package logx provides the structured logging layer used across the bot.
//
// It wraps zerolog behind a small Logger value type so call sites stay
// stable while the Service swaps sinks (console, file, chat channel) at
// runtime when configuration changes.
package logx
