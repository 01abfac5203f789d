// Command chatctl inspects and adjusts user records in the document store.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(openUsers).Execute(); err != nil {
		os.Exit(1)
	}
}
