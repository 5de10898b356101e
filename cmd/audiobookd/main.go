// Package main is the entry point for audiobookd.
// audiobookd is a headless audiobook playback daemon. It owns the playback
// session, publishes now-playing metadata to the OS media surface and takes
// commands from media keys, local clients over IPC and a vehicle head unit.
package main

func main() {
	Execute()
}
