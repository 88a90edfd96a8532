// Package testhelper holds the setup shared by the test suites of this module.
package testhelper

import (
	"fmt"
	"os"
	"testing"

	"gitlab.com/gitlab-org/shardrepl/internal/log"
	"go.uber.org/goleak"
)

// Run executes the test suite of a package with the global loggers silenced.
// A suite that passes fails anyway if it leaves goroutines running, which
// catches pipelines and permit waiters that never terminate.
func Run(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	if err := log.Configure(log.Loggers, "json", "panic"); err != nil {
		fmt.Println(err)
		return 1
	}

	if code := m.Run(); code != 0 {
		return code
	}

	if err := goleak.Find(); err != nil {
		fmt.Printf("goroutines leaked: %v\n", err)
		return 1
	}

	return 0
}
