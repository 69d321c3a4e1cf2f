package tinyovsdb

/*
TinyOVSDB is a client library for OVSDB databases such as Open_vSwitch. Applications describe changes as commands,
group them in transactions and hand them to a single connection goroutine, which owns a local replica of the database,
stages the commands against it, commits them and retries after conflicts.

Building TinyOVSDB produces one executable: ovsdb-ctl, an ovs-vsctl like tool that runs against an in-memory replica
loaded from a schema and seed data, with an interactive shell, a status API and a latency benchmark.

The `tinyovsdb` module is organized into the following packages:

* `ovs/idl`: the local replica contract: tables, rows, staging transactions and commit statuses.
* `ovs/idl/memidl`: an in-memory replica with indexes, conflict detection and injected updates.
* `ovs/schema`: database schemas.
* `ovs/condition`: (column, operator, value) predicates over rows.
* `ovs/lookup`: resolution of user supplied records (names, UUIDs) to rows.
* `ovs/txn`: commands, transactions, retries and nested transaction scopes.
* `ovs/conn`: the connection goroutine and its request queue.
* `ovs/commands`: the generic database commands.
* `ovs/api`: the backend applications use.
* `ovs/event`: row change notifications.
* `ovs/ctl`, `ovs/server`, `cmd/ovsdb-ctl`: command line syntax, status API and tool.
*/
