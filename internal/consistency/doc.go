// Package consistency turns a write acknowledgment level and a read
// preference into a concrete directive for the current replica topology.
//
// Resolve is a pure function of its inputs. It fails with
// cluster.ErrUnsatisfiableRequirement instead of downgrading: a majority
// write against a group where fewer than len/2+1 members are reachable is
// rejected, as is a secondary read when no member is secondary.
//
// Policy binds default requirements to a live snapshot source, usually the
// coordinator's topology watcher.
package consistency
