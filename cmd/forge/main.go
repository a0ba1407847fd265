// forge is the per-workspace agent CLI: it registers a workspace with the
// coordinator, defines and queues tasks, synchronizes state, and runs the
// iteration driver.
package main

func main() {
	Execute()
}
