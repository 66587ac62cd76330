// Command cbtctl runs the change-tracking daemon and talks to it over its
// control socket.
package main

func main() {
	execute()
}
