// Command bizsuite runs the CRM, inventory and valuation services on one
// event store and administers its outbox and read models.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
