// Package tgui holds small helpers for Telegram HTML messages: escaping,
// a line-oriented card builder and inline URL keyboards.
package tgui
