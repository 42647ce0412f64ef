// stackline provisions a fixed cloud topology per deployment and tears it
// down again, safely, when several deployments of one project coexist.
package main

import "os"

func main() {
	os.Exit(Execute(os.Args[1:]))
}
