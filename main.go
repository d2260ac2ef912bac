// The main package for the docsift executable.
package main

import "github.com/docsift/docsift/cmd"

func main() {
	cmd.Execute()
}
