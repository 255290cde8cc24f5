// Package checkpoint records how far a bootstrap run got, so that a
// restarted coordinator resumes from the last completed state instead of
// dropping and reseeding a collection that is already placed.
//
// MemoryStore serves tests and single-process runs; ZKStore keeps records in
// ZooKeeper.
package checkpoint
