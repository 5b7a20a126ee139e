/*
Package leasestore owns the directory of per-task lease files that record
which local supervisor process claims ownership of which task.

# Architecture

	┌─────────────────── LEASE STORE ───────────────────┐
	│                                                     │
	│  lease_dir/                                        │
	│    task_101.json   { state: running, pid: 48291 }  │
	│    task_102.json   { state: running, pid: 48301 }  │
	│                                                     │
	│  Create  -> temp file in lease_dir, fsync,         │
	│             chmod 0600, atomic rename              │
	│             fails if task_<id>.json already exists │
	│  Update  -> same atomic temp+rename pattern        │
	│  Delete  -> os.Remove, tolerant of ErrNotExist      │
	│  Get     -> parse one file, nil if absent           │
	│  List    -> enumerate task_*.json, skip malformed  │
	│  Classify -> compare against os process table and  │
	│              configured staleness thresholds       │
	└─────────────────────────────────────────────────────┘

Every path derived from a task_id is validated twice: once against the
identifier charset, and once by resolving the final path and checking it
remains strictly inside the resolved lease directory. This defends against
both malformed input and a symlink planted inside lease_dir pointing
outside of it.

# Atomicity

Readers of a lease file never observe a partial write. Create and Update
both go through renameio's pending-file pattern: write to a uniquely named
temp file in the same directory, fsync, set mode 0600, then atomically
rename onto the final name. A concurrent reader opening the file mid-write
either sees the file before the rename (previous contents, or ENOENT) or
after (new contents) — never a torn write.
*/
package leasestore
