// Package mount finds the block devices behind mount points and the quota
// options filesystems were mounted with.
//
// quotactl(2) addresses filesystems by block device, while users think in
// mount points. Resolver bridges the two using /proc/self/mountinfo.
//
// # Logging Verbosity Convention
//
//   - V(2): Production default - operation outcomes
//   - V(4): Debug level - resolution steps and parameters
//   - V(5): Trace level - parsing details
package mount
