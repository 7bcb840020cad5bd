package app

import (
	"os"
	"sync"
)

const testModeEnv = "ODYSSEY_TEST_MODE"

// InTestMode reports whether ODYSSEY_TEST_MODE=1, in which case the server and
// worker mains return before dialling Postgres or Redis. The flag is read once.
var InTestMode = sync.OnceValue(func() bool {
	return os.Getenv(testModeEnv) == "1"
})
