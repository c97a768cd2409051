// Package tgui builds chat replies for Telegram's HTML parse mode. Values of
// type H are already escaped; plain strings go through Esc.
package tgui
