// Command tourctl is the operator CLI: schema migrations, dev tokens,
// partner memberships, ledger seeding and contact profiles.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
