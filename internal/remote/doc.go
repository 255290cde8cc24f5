// Package remote carries cluster.Handle calls over HTTP/JSON.
//
// Server mounts any Handle on a chi router:
//
//	POST /admin/drop                   {namespace}
//	POST /admin/enable-partitioning    {database}
//	POST /admin/shard-collection       {namespace, key_field}
//	POST /admin/split                  {namespace, key}
//	POST /admin/move                   {namespace, key, shard}
//	GET  /admin/shards
//	GET  /admin/chunks?ns=db.coll
//	POST /data/insert                  {namespace, document, write}
//	POST /data/find                    {namespace, filter, sort, read}
//	GET  /replset/status
//	POST /replset/initiate             GroupConfig
//	GET  /replset/hello
//	POST /replset/members/{addr}/role  {role}   (sandbox only)
//
// Failures are answered with cluster.ErrorBody. Client rebuilds the
// sentinel from its kind, so errors.Is behaves the same on both sides of the
// wire.
package remote
