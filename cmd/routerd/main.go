// Command routerd runs the hierarchical peer-to-peer message router
// daemon and provides a small CLI for local introspection.
package main

import "github.com/lilltek/router/cmd/routerd/commands"

func main() {
	commands.Execute()
}
