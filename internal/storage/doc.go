// Package storage is the durable side of the status store.
//
// A backend keeps two things:
//   - the status snapshot: one document mapping task id to task.Status,
//     always replaced as a whole so readers never see a torn table
//   - run history: one record per completed run, pruned by age
//
// Drivers: "file" (JSON snapshot + JSON Lines history), "sqlite" and "redis".
package storage
