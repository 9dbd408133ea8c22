package treeline

// Logging convention in the `treeline` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - outbound queue saturation and session teardown on backpressure
//     - rejected transactions and rejected subscriptions
// Error:
//     unrecoverable crash details
//     this includes:
//     - unexpected panics even if handled and suppressed for partial operation
// V(1):
//     key lifecycle events with ids that can be used to filter
//     - session open/close, subscription install/retire, config reload
// V(2):
//     frequent per-message events - e.g. commit, match, emit, coalesce, heartbeat -
//     tagged by component: [tree], [set], [sub], [sched], [sess], [alias], [ws]

import (
	"flag"
	"fmt"
)

// glog reads its configuration from flags. Binaries call this once;
// tests call it from init to keep output on stderr.
func InitLog(verbosity int) {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", fmt.Sprintf("%d", verbosity))
}
