package conduit

// Logging convention in the `conduit` package (github.com/golang/glog):
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - backoff exhaustion and connectivity timeouts
//     - abnormal exits, e.g. disconnect when already disconnected
// Warning:
//     unexpected panics from listener callbacks, even when handled and
//     suppressed for partial operation
// Debug (glog.V(2)):
//     key events for trace debugging and statistics
//     this includes:
//     - key system events with ids that can be used to filter
//     - frequent events - e.g. send, retry, flush, receive
